package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// documentSchema validates operator-supplied playbook files before they are
// admitted into the catalog. A malformed file is rejected whole.
const documentSchema = `{
	"type": "object",
	"required": ["id", "name", "trigger", "steps"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"enabled": {"type": "boolean"},
		"auto_approve": {"type": "boolean"},
		"risk_level": {"enum": ["low", "medium", "high"]},
		"trigger": {
			"type": "object",
			"required": ["patterns", "severities"],
			"properties": {
				"patterns": {"type": "array", "items": {"type": "string"}, "minItems": 1},
				"severities": {
					"type": "array",
					"items": {"enum": ["critical", "high", "medium", "low"]},
					"minItems": 1
				}
			}
		},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"action": {"type": "string", "minLength": 1},
					"command": {"type": "string"},
					"params": {"type": "object"},
					"rollback": {"type": "string"},
					"timeout_seconds": {"type": "integer", "minimum": 0},
					"continue_on_failure": {"type": "boolean"}
				}
			}
		}
	}
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal playbook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("playbook.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("playbook.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile playbook schema: %w", err)
	}
	return schema, nil
}

// LoadDir reads every *.yaml/*.yml file in dir, validates each document and
// rebuilds the catalog as built-ins plus the loaded files. A loaded playbook
// with a built-in's id replaces it. A missing directory leaves built-ins only.
func (c *Catalog) LoadDir(dir string) error {
	merged := builtinPlaybooks()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.replace(merged)
			return nil
		}
		return fmt.Errorf("read playbook dir: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(merged))
	for i, pb := range merged {
		byID[pb.ID] = i
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pb, err := loadFile(path, schema)
		if err != nil {
			return fmt.Errorf("playbook %s: %w", entry.Name(), err)
		}
		if i, exists := byID[pb.ID]; exists {
			merged[i] = pb
		} else {
			byID[pb.ID] = len(merged)
			merged = append(merged, pb)
		}
	}

	c.replace(merged)
	return nil
}

func loadFile(path string, schema *jsonschema.Schema) (Playbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Playbook{}, fmt.Errorf("read: %w", err)
	}

	// Decode to a generic document first so the schema sees the file as
	// written, then re-decode into the typed struct.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Playbook{}, fmt.Errorf("parse yaml: %w", err)
	}
	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		return Playbook{}, err
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return Playbook{}, fmt.Errorf("validate: %w", err)
	}

	var pb Playbook
	if err := yaml.Unmarshal(raw, &pb); err != nil {
		return Playbook{}, fmt.Errorf("decode: %w", err)
	}
	return pb, nil
}

// toJSONValue round-trips a yaml-decoded value through encoding/json so the
// validator sees json.Number values as it expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
