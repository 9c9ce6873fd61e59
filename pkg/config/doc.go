// Package config loads, saves and validates plans and inventories.
//
// # Formats
//
// Plans are YAML (.yml, .yaml) or CUE (.cue, or a directory holding a CUE
// package). YAML is decoded strictly: unknown fields are errors. CUE plans
// are unified with a closed #Plan definition before decoding, so CUE
// reports type and constraint violations with positions. SavePlan always
// writes YAML.
//
// Inventories are YAML.
//
// # Validation
//
// ValidatePlanFile runs three phases and returns every problem found:
//
//   - structural: the file decodes into a plan
//   - schema: the document matches the JSON Schema reflected from the
//     engine types
//   - semantic: struct tags (validator) and guard compilation
//
// # Computed variables
//
// StarlarkEvaluator runs a play's vars_script with the variables in scope
// predeclared. Top-level globals not starting with an underscore become
// play variables. Scripts are bounded by a step limit and by the context.
package config
