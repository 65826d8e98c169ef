// Package schema implements the declarative JSON-Schema validation layer of
// spec.md §4.6 (C1): one compiled schema per (resource, action) pair, each
// carrying the alterableProperties whitelist update methods enforce and an
// explicit additionalProperties setting, resolving spec.md §9 Open Question
// (b) in favor of always-explicit settings.
package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Action is one of the four shapes a resource schema is compiled for.
type Action string

const (
	Create Action = "create"
	Read   Action = "read"
	Update Action = "update"
	Delete Action = "delete"
)

// Descriptor wraps a compiled schema with the metadata the dispatcher's
// protected-field guard and query-coercion steps need.
type Descriptor struct {
	Key                 string
	Schema              *jsonschema.Schema
	AlterableProperties []string
}

// IsAlterable reports whether field may be set by an update call per this
// descriptor's whitelist. A Descriptor with no whitelist configured (e.g. a
// READ descriptor) allows everything, since the guard only runs for update
// methods.
func (d *Descriptor) IsAlterable(field string) bool {
	if d == nil || len(d.AlterableProperties) == 0 {
		return true
	}
	for _, f := range d.AlterableProperties {
		if f == field {
			return true
		}
	}
	return false
}

var (
	mu       sync.RWMutex
	registry = map[string]*Descriptor{}
)

// Register compiles a JSON Schema document (as a Go map literal, draft
// 2020-12) and registers it under "<resource>.<action>", matching the
// factory-per-(resource,action) model of spec.md §4.6.
func Register(resource string, action Action, doc map[string]any, alterable ...string) {
	key := resource + "." + string(action)

	c := jsonschema.NewCompiler()
	if err := c.AddResource(key, doc); err != nil {
		panic(fmt.Sprintf("schema: add resource %s: %v", key, err))
	}
	compiled, err := c.Compile(key)
	if err != nil {
		panic(fmt.Sprintf("schema: compile %s: %v", key, err))
	}

	mu.Lock()
	defer mu.Unlock()
	registry[key] = &Descriptor{Key: key, Schema: compiled, AlterableProperties: alterable}
}

// Lookup returns the descriptor registered for "<resource>.<action>", or nil
// if none was registered.
func Lookup(resource string, action Action) *Descriptor {
	mu.RLock()
	defer mu.RUnlock()
	return registry[resource+"."+string(action)]
}

// ValidationError is one schema validation failure, shaped for attachment as
// apperror.Error's Data field (spec.md §7: InvalidParametersFormat "carries
// the validator's data").
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate runs params against the descriptor's compiled schema. It returns
// the leaf validation errors flattened into ValidationErrors, or nil if
// params is valid.
func Validate(d *Descriptor, params map[string]any) []ValidationError {
	if d == nil {
		return nil
	}
	// Round-trip through JSON so map[string]any with non-JSON-native leaf
	// types (e.g. already-decoded numbers) gets normalized exactly as a
	// wire-decoded request body would be.
	raw, err := json.Marshal(params)
	if err != nil {
		return []ValidationError{{Path: "", Message: err.Error()}}
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return []ValidationError{{Path: "", Message: err.Error()}}
	}

	if err := d.Schema.Validate(instance); err != nil {
		return flatten(err)
	}
	return nil
}

func flatten(err error) []ValidationError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationError{{Path: "", Message: err.Error()}}
	}

	var out []ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, ValidationError{
				Path:    strings.Join(e.InstanceLocation, "/"),
				Message: e.Error(),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// Coerce lifts string-typed url.Values into the JSON types the schema
// declares for each top-level property, per spec.md §4.6: a single string
// becomes a 1-element array when the property is declared "array"; "true"/
// "false" becomes bool; a parseable decimal becomes a number. Values that
// fail to parse for their declared type are left as strings, so schema
// validation itself reports the failure.
func Coerce(d *Descriptor, values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	types := propertyTypes(d)

	for key, vs := range values {
		if len(vs) == 0 {
			continue
		}
		declared := types[key]
		switch declared {
		case "boolean":
			out[key] = coerceBool(vs[0])
		case "number", "integer":
			out[key] = coerceNumber(vs[0])
		case "array":
			if len(vs) == 1 {
				out[key] = []any{coerceScalar(vs[0])}
			} else {
				arr := make([]any, len(vs))
				for i, v := range vs {
					arr[i] = coerceScalar(v)
				}
				out[key] = arr
			}
		default:
			out[key] = vs[0]
		}
	}
	return out
}

func coerceScalar(v string) any {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func coerceBool(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	default:
		return v // left as-is; schema validation rejects it
	}
}

func coerceNumber(v string) any {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v // left as-is; schema validation rejects it
	}
	return n
}

// propertyTypes reads the compiled schema's top-level "properties"/"type"
// declarations back out for Coerce's benefit. The jsonschema/v6 compiled
// form doesn't expose the raw document, so Coerce descriptors carry their
// own side-table populated at Register time via RegisterPropertyTypes.
func propertyTypes(d *Descriptor) map[string]string {
	if d == nil {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return propTypes[d.Key]
}

var propTypes = map[string]map[string]string{}

// RegisterPropertyTypes records the top-level JSON type declared for each
// property of "<resource>.<action>", for Coerce to consult. Call this
// alongside Register when a schema will be validated against query-string
// params (events.get, streams.get, …).
func RegisterPropertyTypes(resource string, action Action, types map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	propTypes[resource+"."+string(action)] = types
}
