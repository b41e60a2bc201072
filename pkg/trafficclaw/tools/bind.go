package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Validator is implemented by request types with checks that cannot be
// expressed in the parameter schema.
type Validator interface {
	Validate() error
}

// ValidationError reports a parameter bag that could not be narrowed into
// its typed request.
type ValidationError struct {
	Tool   Name
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid parameters: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: invalid parameter %q: %s", e.Tool, e.Field, e.Reason)
}

func fieldError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var printer = message.NewPrinter(language.English)

var (
	compiledMu sync.Mutex
	compiled   = map[Name]*jsonschema.Schema{}
)

func compiledSchema(def Definition) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()

	if sch, ok := compiled[def.Name]; ok {
		return sch, nil
	}

	c := jsonschema.NewCompiler()
	url := string(def.Name) + ".json"
	if err := c.AddResource(url, def.ParameterSchema); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", def.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", def.Name, err)
	}
	compiled[def.Name] = sch
	return sch, nil
}

// Bind narrows an untyped parameter bag into T. The bag is checked against
// the tool's schema, decoded, and finally passed through T.Validate when T
// implements Validator. Every rejection is a *ValidationError.
func Bind[T any](name Name, params map[string]any) (T, error) {
	var req T

	def, ok := catalog[name]
	if !ok {
		return req, &UnknownToolError{Name: string(name)}
	}
	if params == nil {
		params = map[string]any{}
	}
	pinned, hasPinned := params[PinnedTargetsKey]
	if hasPinned {
		params = maps.Clone(params)
		delete(params, PinnedTargetsKey)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return req, &ValidationError{Tool: name, Reason: "parameters are not serializable"}
	}

	sch, err := compiledSchema(def)
	if err != nil {
		return req, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return req, &ValidationError{Tool: name, Reason: "parameters are not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		return req, schemaError(name, err)
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &ValidationError{Tool: name, Reason: err.Error()}
	}

	if hasPinned {
		p, ok := any(&req).(targetPinner)
		if !ok {
			return req, &ValidationError{Tool: name, Field: PinnedTargetsKey, Reason: "not accepted by this tool"}
		}
		targets, err := decodeTargets(pinned)
		if err != nil {
			return req, &ValidationError{Tool: name, Field: PinnedTargetsKey, Reason: err.Error()}
		}
		p.pinTargets(targets)
	}

	if v, ok := any(req).(Validator); ok {
		if err := v.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Tool = name
				return req, ve
			}
			return req, &ValidationError{Tool: name, Reason: err.Error()}
		}
	}
	return req, nil
}

// decodeTargets accepts pinned targets as stored in memory or as read back
// from JSON.
func decodeTargets(v any) ([]BatchTarget, error) {
	if t, ok := v.([]BatchTarget); ok {
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []BatchTarget
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// schemaError flattens the first leaf of a schema validation failure.
func schemaError(name Name, err error) *ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Tool: name, Reason: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &ValidationError{
		Tool:   name,
		Field:  strings.Join(leaf.InstanceLocation, "."),
		Reason: leaf.ErrorKind.LocalizedString(printer),
	}
}
