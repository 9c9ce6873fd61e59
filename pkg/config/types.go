package config

import (
	"fmt"
	"strings"
)

// ValidationError is a problem found while loading or validating a plan
// or inventory.
type ValidationError struct {
	// Phase is the stage that found the problem: structural, schema,
	// semantic or policy.
	Phase string `json:"phase"`

	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path locates the offending value (e.g. "plays[0].tasks[2].kind").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("[" + e.Phase + "] ")
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// HasErrors reports whether any entry has error severity.
func (errs ValidationErrors) HasErrors() bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// Validation phases.
const (
	PhaseStructural = "structural"
	PhaseSchema     = "schema"
	PhaseSemantic   = "semantic"
	PhasePolicy     = "policy"
)
