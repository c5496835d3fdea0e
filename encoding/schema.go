package encoding

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	paymentSchema = mustSchema("schemas/payment.json")
	evmSchema     = mustSchema("schemas/evm.json")
	svmSchema     = mustSchema("schemas/svm.json")
)

func mustSchema(name string) *gojsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("encoding: missing schema %s: %v", name, err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("encoding: invalid schema %s: %v", name, err))
	}
	return schema
}

// validate checks doc against schema and joins every violation into one error.
func validate(schema *gojsonschema.Schema, doc []byte, prefix string) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		switch {
		case field == "(root)" && prefix == "":
			field = "payment"
		case field == "(root)":
			field = prefix
		case prefix != "":
			field = prefix + "." + field
		}
		problems = append(problems, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}
