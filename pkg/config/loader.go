package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// IsCUE reports whether path names a CUE plan: a .cue file or a
// directory.
func IsCUE(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// LoadPlan reads a plan from a YAML file, a CUE file or a CUE package
// directory. The plan is decoded but not validated or compiled.
func LoadPlan(path string) (*engine.Plan, error) {
	if IsCUE(path) {
		return NewCUEPlanLoader().Load(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	plan, err := DecodePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// DecodePlan strictly decodes a YAML plan document.
func DecodePlan(data []byte) (*engine.Plan, error) {
	var plan engine.Plan
	if err := decodeStrict(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// SavePlan writes plan as YAML to path.
func SavePlan(path string, plan *engine.Plan) error {
	var buf bytes.Buffer
	if err := EncodePlan(&buf, plan); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// EncodePlan writes plan as YAML to w.
func EncodePlan(w io.Writer, plan *engine.Plan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	return enc.Close()
}

// LoadInventory reads a YAML inventory and checks its consistency.
func LoadInventory(path string) (*engine.Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	var inv engine.Inventory
	if err := decodeStrict(data, &inv); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if errs := ValidateInventory(path, &inv); errs.HasErrors() {
		return nil, errs
	}
	return &inv, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("document is empty")
		}
		return err
	}
	return nil
}
