package resources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

var validate = validator.New()

// decodeParams converts task params into a typed struct and validates it.
// Errors are plan errors: the task was declared wrongly.
func decodeParams(kind string, params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return engine.NewPlanInvalidError(fmt.Sprintf("%s params", kind), err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return engine.NewPlanInvalidError(fmt.Sprintf("%s params", kind), err)
	}
	if err := validate.Struct(out); err != nil {
		return engine.NewPlanInvalidError(fmt.Sprintf("%s params", kind), err)
	}
	return nil
}

// FileMode is a permission mode written as an octal string ("0644") or a
// number. A YAML 0644 literal arrives as decimal 420 and is taken as is.
type FileMode struct {
	Mode fs.FileMode
	Set  bool
}

// UnmarshalJSON accepts "0644", "644" or 420.
func (m *FileMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", s, err)
		}
		*m = FileMode{Mode: fs.FileMode(v), Set: true}
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("mode must be an octal string or number: %w", err)
	}
	*m = FileMode{Mode: fs.FileMode(n), Set: true}
	return nil
}

// String renders the mode as four octal digits.
func (m FileMode) String() string {
	return fmt.Sprintf("%04o", m.Mode.Perm())
}

// Or returns the mode when set, otherwise def.
func (m FileMode) Or(def fs.FileMode) fs.FileMode {
	if m.Set {
		return m.Mode
	}
	return def
}

// JSONSchema describes the accepted encodings for schema generation.
func (FileMode) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: "^[0-7]{3,4}$"},
			{Type: "integer", Description: "decimal value of the mode bits"},
		},
	}
}
