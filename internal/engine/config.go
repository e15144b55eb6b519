package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema rejects malformed config files before any field is read.
// Unknown top-level keys are errors so a typo fails loudly instead of
// silently using a default.
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"server_url": {"type": "string", "minLength": 1},
		"token": {"type": "string"},
		"registry_dsn": {"type": "string"},
		"stream": {"type": "boolean"},
		"poll": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"interval_ms": {"type": "integer", "minimum": 100},
				"list_interval_ms": {"type": "integer", "minimum": 500},
				"not_found_limit": {"type": "integer", "minimum": 1}
			}
		},
		"ingest": {
			"type": "object",
			"additionalProperties": false,
			"required": ["dir"],
			"properties": {
				"dir": {"type": "string", "minLength": 1},
				"knowledge_type": {"type": "string"},
				"tags": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

type PollConfig struct {
	IntervalMS     int `json:"interval_ms"`
	ListIntervalMS int `json:"list_interval_ms"`
	NotFoundLimit  int `json:"not_found_limit"`
}

type IngestConfig struct {
	Dir           string   `json:"dir"`
	KnowledgeType string   `json:"knowledge_type"`
	Tags          []string `json:"tags"`
}

// Config is the daemon's file configuration. Every field has a working
// default; an absent file is not an error.
type Config struct {
	ServerURL   string        `json:"server_url"`
	Token       string        `json:"token"`
	RegistryDSN string        `json:"registry_dsn"`
	Stream      bool          `json:"stream"`
	Poll        PollConfig    `json:"poll"`
	Ingest      *IngestConfig `json:"ingest"`
}

func (c Config) PollInterval() time.Duration {
	if c.Poll.IntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

func (c Config) ListInterval() time.Duration {
	if c.Poll.ListIntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.Poll.ListIntervalMS) * time.Millisecond
}

// LoadConfig reads and validates a JSON config file. A missing file
// yields the zero config.
func LoadConfig(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig validates raw JSON against the schema, then decodes it.
func ParseConfig(data []byte) (Config, error) {
	schema, err := compileConfigSchema()
	if err != nil {
		return Config{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return Config{}, fmt.Errorf("config rejected: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func compileConfigSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("config.schema.json")
}
