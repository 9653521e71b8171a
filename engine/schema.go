package engine

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/Knetic/govaluate"
	experiment "github.com/goliatone/go-experiment"
)

// FieldType is the declared type of a block parameter.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldList   FieldType = "list"
	FieldMap    FieldType = "map"
	FieldAny    FieldType = "any"
)

// Param describes one user-editable parameter. Constraint is a boolean
// expression over the other parameters, e.g. "folds >= 2 && folds <= 20".
type Param struct {
	Name       string
	Title      string
	Type       FieldType
	Required   bool
	Default    any
	Choices    []any
	Constraint string
}

// Port describes an input, output or per-iteration variable.
type Port struct {
	Name     string
	Title    string
	DataType experiment.ValueKind
	Required bool
}

// Schema is the declarative field layout of a block kind.
type Schema struct {
	Params  []Param
	Inputs  []Port
	Outputs []Port
	// Inner lists the per-iteration variables a meta-block publishes into
	// its sub-scope.
	Inner []Port
	// CollectorType restricts collected values to one data type. When empty
	// every collector entry must still share a single type.
	CollectorType experiment.ValueKind
}

// Validate rejects duplicate field names and unparsable constraints.
// Params have their own namespace; inputs, outputs and inner variables
// share one, since all of them name ports.
func (s Schema) Validate() error {
	var errs []error
	checker := func() func(section, name string) {
		seen := map[string]string{}
		return func(section, name string) {
			if name == "" {
				errs = append(errs, fmt.Errorf("%s field with empty name", section))
				return
			}
			if prev, ok := seen[name]; ok {
				errs = append(errs, fmt.Errorf("field %q declared in %s and %s", name, prev, section))
				return
			}
			seen[name] = section
		}
	}
	checkParam, check := checker(), checker()
	for _, p := range s.Params {
		checkParam("params", p.Name)
		if p.Constraint != "" {
			if _, err := compileConstraint(p.Constraint); err != nil {
				errs = append(errs, fmt.Errorf("param %s constraint: %w", p.Name, err))
			}
		}
	}
	for _, p := range s.Inputs {
		check("inputs", p.Name)
	}
	for _, p := range s.Outputs {
		check("outputs", p.Name)
	}
	for _, p := range s.Inner {
		check("inner", p.Name)
	}
	return errors.Join(errs...)
}

func (s Schema) Input(name string) (Port, bool)  { return findPort(s.Inputs, name) }
func (s Schema) Output(name string) (Port, bool) { return findPort(s.Outputs, name) }

func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// NormalizeParams applies defaults, coerces JSON numbers and checks types,
// choices and constraints. It always returns the normalized map so invalid
// input can still be stored for the user to correct.
func (s Schema) NormalizeParams(in map[string]any) (map[string]any, []error) {
	out := make(map[string]any, len(in))
	var errs []error

	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s.Param(name); !ok {
			errs = append(errs, portError(fmt.Sprintf("unknown parameter %q", name), name))
			continue
		}
		out[name] = in[name]
	}

	for _, p := range s.Params {
		v, ok := out[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				errs = append(errs, configError(fmt.Sprintf("parameter %q is required", p.Name), p.Name))
			}
			continue
		}
		coerced, err := coerce(p.Type, v)
		if err != nil {
			errs = append(errs, configError(fmt.Sprintf("parameter %q: %v", p.Name, err), p.Name))
			continue
		}
		out[p.Name] = coerced
		if len(p.Choices) > 0 && !oneOf(coerced, p.Choices) {
			errs = append(errs, configError(fmt.Sprintf("parameter %q: %v is not an allowed value", p.Name, coerced), p.Name))
		}
	}
	if len(errs) > 0 {
		return out, errs
	}

	for _, p := range s.Params {
		if p.Constraint == "" {
			continue
		}
		ok, err := evalConstraint(p.Constraint, out)
		if err != nil {
			errs = append(errs, configError(fmt.Sprintf("parameter %q: %v", p.Name, err), p.Name))
			continue
		}
		if !ok {
			errs = append(errs, configError(fmt.Sprintf("parameter %q violates %s", p.Name, p.Constraint), p.Name))
		}
	}
	return out, errs
}

func coerce(t FieldType, v any) (any, error) {
	switch t {
	case FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
			return nil, fmt.Errorf("%v is not an integer", n)
		}
	case FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case FieldBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case FieldList:
		if reflect.TypeOf(v).Kind() == reflect.Slice {
			return v, nil
		}
	case FieldMap:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	case FieldAny, "":
		return v, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

func oneOf(v any, choices []any) bool {
	for _, c := range choices {
		if reflect.DeepEqual(v, c) {
			return true
		}
		if cf, ok := toFloat(c); ok {
			if vf, ok := toFloat(v); ok && cf == vf {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// constraintList hides list parameters from govaluate, which spreads a
// []any function argument into separate arguments.
type constraintList []any

var constraintFunctions = map[string]govaluate.ExpressionFunction{
	"len": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects one argument")
		}
		rv := reflect.ValueOf(args[0])
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.String:
			return float64(rv.Len()), nil
		}
		return nil, fmt.Errorf("len of %T", args[0])
	},
}

func compileConstraint(expr string) (*govaluate.EvaluableExpression, error) {
	return govaluate.NewEvaluableExpressionWithFunctions(expr, constraintFunctions)
}

func evalConstraint(expr string, params map[string]any) (bool, error) {
	compiled, err := compileConstraint(expr)
	if err != nil {
		return false, err
	}
	vars := make(map[string]any, len(params))
	for k, v := range params {
		if f, ok := toFloat(v); ok {
			vars[k] = f
			continue
		}
		if list, ok := v.([]any); ok {
			vars[k] = constraintList(list)
			continue
		}
		vars[k] = v
	}
	result, err := compiled.Evaluate(vars)
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("constraint %q did not evaluate to a boolean", expr)
	}
	return ok, nil
}

func configError(msg, field string) error {
	return experiment.NewError(experiment.ErrConfiguration, msg, nil, map[string]any{"field": field})
}

func portError(msg, port string) error {
	return experiment.NewError(experiment.ErrPort, msg, nil, map[string]any{"port": port})
}
