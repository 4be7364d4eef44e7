package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// ContentSchemas validates phase output content against JSON Schema
// Draft 2020-12 documents registered per phase. Safe for concurrent use.
type ContentSchemas struct {
	mu       sync.RWMutex
	compiled map[schema.Phase]*jsonschema.Schema
}

// NewContentSchemas creates an empty registry.
func NewContentSchemas() *ContentSchemas {
	return &ContentSchemas{
		compiled: make(map[schema.Phase]*jsonschema.Schema),
	}
}

// Register compiles and stores a schema for the phase, replacing any
// previous registration.
func (cs *ContentSchemas) Register(phase schema.Phase, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "content schema is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unmarshal content schema for %s: %s", phase, err.Error()).WithCause(err)
	}

	url := fmt.Sprintf("traction://content-schema/%s", phase)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"add content schema resource for %s: %s", phase, err.Error()).WithCause(err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"compile content schema for %s: %s", phase, err.Error()).WithCause(err)
	}

	cs.mu.Lock()
	cs.compiled[phase] = compiled
	cs.mu.Unlock()
	return nil
}

// Check validates content against the phase's schema. Phases without a
// registered schema pass unconditionally.
func (cs *ContentSchemas) Check(phase schema.Phase, content map[string]any) error {
	cs.mu.RLock()
	compiled, ok := cs.compiled[phase]
	cs.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := toJSONValue(content)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize content").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError flattens a jsonschema.ValidationError tree into a
// TractionError carrying every leaf violation with its location.
func toValidationError(err error) *schema.TractionError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"content failed validation with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
