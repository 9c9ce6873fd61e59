package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

const planSchemaID = "https://openfroyo.dev/schemas/froyo-play/plan-v1.json"

var durationType = reflect.TypeOf(engine.Duration(0))

func newReflector(tag string) *jsonschema.Reflector {
	return &jsonschema.Reflector{
		FieldNameTag: tag,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{
					OneOf: []*jsonschema.Schema{
						{Type: "integer", Description: "seconds"},
						{Type: "string", Pattern: `^([0-9]+|([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`},
					},
				}
			}
			return nil
		},
	}
}

// GeneratePlanSchema reflects the JSON Schema (draft 2020-12) of plan
// documents from the engine types.
func GeneratePlanSchema() ([]byte, error) {
	s := newReflector("yaml").Reflect(&engine.Plan{})
	s.ID = planSchemaID
	s.Title = "froyo-play plan"
	s.Description = "Schema for froyo-play plan YAML documents"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// GenerateParamsSchema reflects the schema of one resource kind's
// parameter struct. Parameter structs are named by their json tags.
func GenerateParamsSchema(kind string, params any) ([]byte, error) {
	s := newReflector("json").Reflect(params)
	s.ID = jsonschema.ID(strings.TrimSuffix(planSchemaID, "plan-v1.json") + kind + "-params-v1.json")
	s.Title = kind + " params"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", kind, err)
	}
	return data, nil
}

// SchemaValidator checks plan documents against the generated schema.
type SchemaValidator struct {
	schema *sjsonschema.Schema
}

// NewSchemaValidator generates and compiles the plan schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	raw, err := GeneratePlanSchema()
	if err != nil {
		return nil, err
	}
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource(planSchemaID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(planSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: sch}, nil
}

// Validate checks a decoded document. doc must hold JSON-compatible
// values: maps with string keys, slices, strings, numbers and booleans.
func (v *SchemaValidator) Validate(file string, doc any) ValidationErrors {
	normalized, err := normalize(doc)
	if err != nil {
		return ValidationErrors{{Phase: PhaseSchema, File: file, Message: err.Error(), Severity: "error"}}
	}

	err = v.schema.Validate(normalized)
	if err == nil {
		return nil
	}
	var verr *sjsonschema.ValidationError
	if !errors.As(err, &verr) {
		return ValidationErrors{{Phase: PhaseSchema, File: file, Message: err.Error(), Severity: "error"}}
	}

	var out ValidationErrors
	for _, leaf := range leaves(verr) {
		out = append(out, ValidationError{
			Phase:    PhaseSchema,
			File:     file,
			Path:     instancePath(leaf.InstanceLocation),
			Message:  leaf.ErrorKind.LocalizedString(nil),
			Severity: "error",
		})
	}
	return out
}

// ValidatePlan checks a plan value by way of its JSON form.
func (v *SchemaValidator) ValidatePlan(file string, plan *engine.Plan) ValidationErrors {
	data, err := json.Marshal(plan)
	if err != nil {
		return ValidationErrors{{Phase: PhaseSchema, File: file, Message: err.Error(), Severity: "error"}}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ValidationErrors{{Phase: PhaseSchema, File: file, Message: err.Error(), Severity: "error"}}
	}
	return v.Validate(file, doc)
}

// normalize round-trips doc through JSON so numbers take the form the
// schema validator expects.
func normalize(doc any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON compatible: %w", err)
	}
	return sjsonschema.UnmarshalJSON(bytes.NewReader(data))
}

func leaves(err *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*sjsonschema.ValidationError{err}
	}
	var out []*sjsonschema.ValidationError
	for _, c := range err.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func instancePath(loc []string) string {
	var b strings.Builder
	for _, part := range loc {
		if part != "" && strings.Trim(part, "0123456789") == "" {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// ValidatePlanFile loads path and runs every validation phase. The plan
// is returned whenever it could be decoded, even with errors.
func ValidatePlanFile(path string, opts engine.CompileOptions) (*engine.Plan, ValidationErrors) {
	plan, err := LoadPlan(path)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			return nil, verrs
		}
		return nil, ValidationErrors{{Phase: PhaseStructural, File: path, Message: err.Error(), Severity: "error"}}
	}

	sv, err := NewSchemaValidator()
	if err != nil {
		return plan, ValidationErrors{{Phase: PhaseSchema, File: path, Message: err.Error(), Severity: "error"}}
	}

	var errs ValidationErrors
	if IsCUE(path) {
		errs = append(errs, sv.ValidatePlan(path, plan)...)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return plan, ValidationErrors{{Phase: PhaseStructural, File: path, Message: err.Error(), Severity: "error"}}
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return plan, ValidationErrors{{Phase: PhaseStructural, File: path, Message: err.Error(), Severity: "error"}}
		}
		errs = append(errs, sv.Validate(path, doc)...)
	}

	errs = append(errs, ValidatePlan(path, plan, opts)...)
	return plan, errs
}
