package profile

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// finalSchema describes the fixed flat payload sent by the current form
// automation. Older payload shapes still normalize; they just don't match.
const finalSchema = `{
  "type": "object",
  "required": ["nickname", "mbti"],
  "properties": {
    "nickname":             {"type": "string"},
    "gender":               {"type": "string"},
    "profession":           {"type": "string"},
    "interests":            {"type": "string"},
    "mbti":                 {"type": "string"},
    "introduction":         {"type": "string"},
    "wechatQrAttachmentId": {"type": "string"},
    "open_id":              {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadFinalSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("profile.json", strings.NewReader(finalSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("profile.json")
	})
	return compiledSchema, schemaErr
}

// MatchesFinalSchema validates a raw request body against the current flat
// payload schema. A non-nil error only means the payload uses a legacy shape.
func MatchesFinalSchema(raw []byte) error {
	schema, err := loadFinalSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
