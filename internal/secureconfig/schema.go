package secureconfig

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the structural contract for JSON configs. It constrains
// field types without enumerating field names, so unknown fields stay legal.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "features": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "thresholds": {
      "type": "object",
      "additionalProperties": {"type": "integer"}
    },
    "overrides": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {"type": "string"}
      }
    },
    "policy": {
      "type": "object",
      "additionalProperties": {
        "type": "string",
        "enum": ["ALLOW", "WARN", "DEGRADE", "BLOCK", "TERMINATE"]
      }
    },
    "appIntegrity": {
      "type": "object",
      "properties": {
        "expectedPackageName": {"type": "string"},
        "expectedSignatureSha256": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
        },
        "allowedInstallers": {
          "type": "array",
          "items": {"type": "string"}
        },
        "expectedDexChecksums": {
          "type": "object",
          "additionalProperties": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
        },
        "expectedSoChecksums": {
          "type": "object",
          "additionalProperties": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("appguard-config.schema.json", strings.NewReader(configSchema)); err != nil {
			schemaErr = fmt.Errorf("secureconfig: add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("appguard-config.schema.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks raw JSON against the configuration schema before
// any field is decoded.
func ValidateSchema(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("secureconfig: config is not valid JSON: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("secureconfig: schema validation: %w", err)
	}
	return nil
}
