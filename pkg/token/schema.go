package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Structural shape of a token document. Trust-chain fields are not required
// here so that their absence is reported by the verifier, not the parser.
const tokenSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["token_id", "license_code", "alg", "issue_time", "expire_time", "state_index"],
  "properties": {
    "token_id": {"type": "string", "minLength": 1},
    "holder_device_id": {"type": "string"},
    "license_code": {"type": "string", "minLength": 1},
    "app_id": {"type": "string"},
    "issue_time": {"type": "integer", "minimum": 0},
    "expire_time": {"type": "integer", "minimum": 0},
    "alg": {"type": "string"},
    "environment_hash": {"type": "string"},
    "license_public_key": {"type": "string"},
    "root_signature": {"type": "string"},
    "encrypted_license_private_key": {"type": "string"},
    "state_index": {"type": "integer", "minimum": 0},
    "prev_state_hash": {"type": "string"},
    "signature": {"type": "string"},
    "device_info": {
      "type": ["object", "null"],
      "required": ["fingerprint", "public_key", "signature"],
      "properties": {
        "fingerprint": {"type": "string"},
        "public_key": {"type": "string"},
        "signature": {"type": "string"}
      }
    },
    "usage_chain": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["seq", "time", "action", "params", "hash_prev"],
        "properties": {
          "seq": {"type": "integer", "minimum": 0},
          "time": {"type": "integer"},
          "action": {"type": "string"},
          "params": {"type": ["object", "null"]},
          "hash_prev": {"type": "string"},
          "signature": {"type": "string"}
        }
      }
    }
  }
}`

const schemaResource = "inmemory://token.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func tokenSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaResource, strings.NewReader(tokenSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaResource)
	})
	return compiledSchema, schemaErr
}

// validateShape checks data against the token schema.
func validateShape(data []byte) error {
	schema, err := tokenSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
