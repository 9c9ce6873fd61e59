package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// planSchema constrains CUE plans. Definitions are closed, so unknown
// fields are rejected the same way strict YAML decoding rejects them.
const planSchema = `
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_]*$"
#Duration:   int & >=0 | string

#Retry: {
	max_attempts: int & >=1 & <=100
	delay?:       #Duration
}

#Task: {
	name:            string & !=""
	kind:            string & !=""
	when?:           string
	params?: {...}
	failure_policy?: "fatal" | "ignore"
	retry?:          #Retry
	tags?: [...string]
	register?: #Identifier
	vars?: {...}
}

#Play: {
	name: string & !=""
	hosts: [string, ...string]
	vars?: {...}
	vars_script?:  string
	gather_facts?: bool
	tasks: [...#Task]
}

#Plan: {
	name: string & !=""
	vars?: {...}
	plays: [#Play, ...#Play]
}
`

// CUEPlanLoader loads plans written in CUE.
type CUEPlanLoader struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEPlanLoader compiles the plan definition.
func NewCUEPlanLoader() *CUEPlanLoader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(planSchema, cue.Filename("plan-schema.cue"))
	return &CUEPlanLoader{
		ctx:    ctx,
		schema: schema.LookupPath(cue.ParsePath("#Plan")),
	}
}

// Load reads a .cue file or a directory holding one CUE package.
func (l *CUEPlanLoader) Load(path string) (*engine.Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan: %w", err)
	}

	var val cue.Value
	if info.IsDir() {
		val, err = l.loadDirectory(path)
	} else {
		val, err = l.loadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return l.decode(val)
}

// LoadString compiles inline CUE source.
func (l *CUEPlanLoader) LoadString(filename, src string) (*engine.Plan, error) {
	val := l.ctx.CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(val)
}

func (l *CUEPlanLoader) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("%s: no CUE files found", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (l *CUEPlanLoader) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read plan: %w", err)
	}
	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode unifies val with #Plan, requires it to be concrete and decodes
// the result through JSON so engine types apply their own decoding.
func (l *CUEPlanLoader) decode(val cue.Value) (*engine.Plan, error) {
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var plan engine.Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// convertCUEErrors flattens a CUE error list into validation errors with
// positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Phase:    PhaseStructural,
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Phase: PhaseStructural, Message: err.Error(), Severity: "error"})
	}
	return out
}
