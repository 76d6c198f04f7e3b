package helpers

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const draft07 = "http://json-schema.org/draft-07/schema#"

// ReflectSchema builds an inlined draft-07 schema for v's type.
func ReflectSchema(v interface{}) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = draft07
	return schema
}

// SchemaValidator validates JSON documents against a compiled schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

func NewSchemaValidator(s *jsonschema.Schema) (*SchemaValidator, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal schema")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, errors.Wrap(err, "compile schema")
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate returns nil when doc matches, or an error listing every violation.
func (v *SchemaValidator) Validate(doc []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "validate document")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.Errorf("invalid document: %s", strings.Join(msgs, "; "))
}
