package wire

import (
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/go-go-golems/colloquy/pkg/helpers"
)

var (
	postSchemaOnce      sync.Once
	postSchemaValidator *helpers.SchemaValidator
	postSchemaErr       error
)

func PostMessageSchema() *jsonschema.Schema {
	s := helpers.ReflectSchema(&PostMessageRequest{})
	s.Title = "PostMessageRequest"
	s.Description = "Body of POST /messages on the fallback channel"
	return s
}

// ValidatePostMessage checks a raw POST /messages body against PostMessageSchema.
func ValidatePostMessage(body []byte) error {
	postSchemaOnce.Do(func() {
		postSchemaValidator, postSchemaErr = helpers.NewSchemaValidator(PostMessageSchema())
	})
	if postSchemaErr != nil {
		return postSchemaErr
	}
	return postSchemaValidator.Validate(body)
}
