package automation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed flow.schema.json
var flowSchemaJSON []byte

const flowSchemaURL = "https://msggateway.local/schemas/flow.schema.json"

var ErrInvalidFlow = errors.New("invalid flow definition")

var (
	schemaOnce sync.Once
	flowSchema *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(flowSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(flowSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		flowSchema, schemaErr = c.Compile(flowSchemaURL)
	})
	return flowSchema, schemaErr
}

// ValidateFlow checks a raw flow document against the flow schema.
func ValidateFlow(raw []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile flow schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &FlowError{Causes: causes(verr)}
		}
		return fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	return nil
}

// FlowError lists every schema violation, one per location.
type FlowError struct {
	Causes []string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %d problem(s)", ErrInvalidFlow, len(e.Causes))
}

func (e *FlowError) Unwrap() error { return ErrInvalidFlow }

func causes(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: failed %s", loc, strings.Join(verr.ErrorKind.KeywordPath(), "/"))}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, causes(c)...)
	}
	return out
}
