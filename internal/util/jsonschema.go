package util

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema returns an indented JSON schema for the given object type.
// The object should be a pointer to a struct to capture fields and tags.
// mapper, when not nil, overrides the schema of types with custom JSON encodings.
func GenerateJSONSchema(obj any, mapper func(reflect.Type) *jsonschema.Schema) string {
	r := &jsonschema.Reflector{ExpandedStruct: true, Mapper: mapper}
	schema := r.Reflect(obj)
	b, _ := json.MarshalIndent(schema, "", "  ")
	return string(b)
}
