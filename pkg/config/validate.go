package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewValidator returns a validator that knows the plan's custom tags and
// reports fields by their YAML names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}

var structValidator = NewValidator()

// ValidateStruct checks struct tags on v and converts failures to
// semantic validation errors.
func ValidateStruct(file string, v any) ValidationErrors {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Phase: PhaseSemantic, File: file, Message: err.Error(), Severity: "error"}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Phase:    PhaseSemantic,
			File:     file,
			Path:     fieldPath(fe.Namespace()),
			Message:  describeTag(fe),
			Severity: "error",
		})
	}
	return out
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("needs at least %s entries", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "identifier":
		return fmt.Sprintf("%q is not a valid identifier", fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// ValidatePlan runs struct validation and plan compilation. opts names
// the known task kinds and any variables declared outside the plan.
func ValidatePlan(file string, plan *engine.Plan, opts engine.CompileOptions) ValidationErrors {
	errs := ValidateStruct(file, plan)
	if err := engine.CompilePlan(plan, opts); err != nil {
		for _, e := range unjoin(err) {
			errs = append(errs, ValidationError{Phase: PhaseSemantic, File: file, Message: e.Error(), Severity: "error"})
		}
	}
	return errs
}

// ValidateInventory runs struct validation and the inventory's own
// consistency checks.
func ValidateInventory(file string, inv *engine.Inventory) ValidationErrors {
	errs := ValidateStruct(file, inv)
	if err := inv.Validate(); err != nil {
		errs = append(errs, ValidationError{Phase: PhaseSemantic, File: file, Message: err.Error(), Severity: "error"})
	}
	return errs
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
