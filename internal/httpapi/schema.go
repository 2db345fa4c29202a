package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// jobCreateSchema is the OpenAPI 3 schema a job-creation request body
// must satisfy before it ever reaches admission or the queue (spec.md
// §6.2 "validate the request shape before admission"). It is built as
// a standalone openapi3.Schema rather than a full document, since the
// control plane validates exactly one request shape and a full
// document+router indirection would only duplicate what gin's routes
// already express.
var jobCreateSchema = func() *openapi3.Schema {
	str := openapi3.NewStringSchema()
	pos := openapi3.NewIntegerSchema().WithMin(1)
	nonNeg := openapi3.NewIntegerSchema().WithMin(0)

	s := openapi3.NewObjectSchema()
	s.Properties = openapi3.Schemas{
		"owner_id":          openapi3.NewSchemaRef("", str.WithMinLength(1)),
		"model":             openapi3.NewSchemaRef("", str.WithMinLength(1)),
		"template":          openapi3.NewSchemaRef("", str.WithMinLength(1)),
		"api_key":           openapi3.NewSchemaRef("", str.WithMinLength(1)),
		"input_object_key":  openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		"output_object_key": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		"total_units":       openapi3.NewSchemaRef("", pos),
		"max_tokens":        openapi3.NewSchemaRef("", pos),
		"temperature":       openapi3.NewSchemaRef("", openapi3.NewFloat64Schema().WithMin(0).WithMax(2)),
		"timeout_seconds":   openapi3.NewSchemaRef("", pos),
		"max_retries":       openapi3.NewSchemaRef("", nonNeg),
		"mode":              openapi3.NewSchemaRef("", openapi3.NewStringSchema().WithEnum("sequential", "parallel")),
		"concurrency":       openapi3.NewSchemaRef("", pos),
		"parse_retries":     openapi3.NewSchemaRef("", nonNeg),
		"circuit_breaker":   openapi3.NewSchemaRef("", nonNeg),
		"queue":             openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
	}
	s.Required = []string{"owner_id", "model", "template", "api_key", "input_object_key", "output_object_key", "total_units"}
	return s
}()

// validateJobCreate decodes raw against jobCreateSchema, returning a
// user-facing error describing the first violation.
func validateJobCreate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := jobCreateSchema.VisitJSON(doc); err != nil {
		return fmt.Errorf("request body failed schema validation: %w", err)
	}
	return nil
}
