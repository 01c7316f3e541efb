// Package config loads gitapply settings from an optional YAML file and
// GITAPPLY_* environment variables.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/asynkron/gitapply/pkg/filter"
	"github.com/asynkron/gitapply/pkg/logging"
)

// DefaultFile is looked up in the working tree when no --config is given.
const DefaultFile = ".gitapply.yaml"

//go:embed schema.json
var schemaJSON []byte

var (
	schemaLoader     gojsonschema.JSONLoader
	schemaLoaderErr  error
	schemaLoaderOnce sync.Once
)

// Replace is a literal byte substitution used as a filter side.
type Replace struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// FilterSpec describes a named filter driver.
type FilterSpec struct {
	Identity bool     `yaml:"identity"`
	Clean    *Replace `yaml:"clean"`
	Smudge   *Replace `yaml:"smudge"`
}

// Config holds every setting the CLI passes on to the engine.
type Config struct {
	// AutoCRLF overrides core.autocrlf when set.
	AutoCRLF            *bool                 `yaml:"autocrlf"`
	AllowOverwriteOnAdd bool                  `yaml:"allow_overwrite_on_add"`
	LogLevel            string                `yaml:"log_level"`
	InCoreLimit         int64                 `yaml:"in_core_limit"`
	Filters             map[string]FilterSpec `yaml:"filters"`
}

// ValidationError lists every schema violation found in a config file.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "config failed schema validation"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns the settings used without a config file.
func Default() Config {
	return Config{LogLevel: "warn"}
}

// Schema returns the JSON schema config files are validated against.
func Schema() (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("config: decode schema: %w", err)
	}
	return schema, nil
}

// Load reads the config file at path. A missing file yields Default when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && optional {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return cfg, nil
	}
	if err := validate(doc); err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func validate(doc any) error {
	loader, err := loadSchema()
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(loader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("config: schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return &ValidationError{Issues: issues}
}

func loadSchema() (gojsonschema.JSONLoader, error) {
	schemaLoaderOnce.Do(func() {
		schema, err := Schema()
		if err != nil {
			schemaLoaderErr = err
			return
		}
		schemaLoader = gojsonschema.NewGoLoader(schema)
	})
	if schemaLoaderErr != nil {
		return nil, schemaLoaderErr
	}
	return schemaLoader, nil
}

// ApplyEnv overrides cfg with GITAPPLY_AUTOCRLF,
// GITAPPLY_ALLOW_OVERWRITE_ON_ADD, GITAPPLY_LOG_LEVEL and
// GITAPPLY_IN_CORE_LIMIT when getenv returns a value for them.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("GITAPPLY_AUTOCRLF")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GITAPPLY_AUTOCRLF: %w", err)
		}
		c.AutoCRLF = &b
	}
	if v := strings.TrimSpace(getenv("GITAPPLY_ALLOW_OVERWRITE_ON_ADD")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GITAPPLY_ALLOW_OVERWRITE_ON_ADD: %w", err)
		}
		c.AllowOverwriteOnAdd = b
	}
	if v := strings.TrimSpace(getenv("GITAPPLY_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("GITAPPLY_IN_CORE_LIMIT")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("GITAPPLY_IN_CORE_LIMIT: invalid size %q", v)
		}
		c.InCoreLimit = n
	}
	return nil
}

// Level returns the configured log level, defaulting to warn.
func (c Config) Level() logging.LogLevel {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// FilterTable builds the clean/smudge drivers named in the config.
func (c Config) FilterTable() filter.Table {
	if len(c.Filters) == 0 {
		return nil
	}
	table := make(filter.Table, len(c.Filters))
	for name, spec := range c.Filters {
		if spec.Identity {
			table[name] = filter.Driver{}
			continue
		}
		table[name] = filter.Driver{
			Clean:  replaceFunc(spec.Clean),
			Smudge: replaceFunc(spec.Smudge),
		}
	}
	return table
}

func replaceFunc(r *Replace) filter.Func {
	if r == nil {
		return nil
	}
	from, to := []byte(r.From), []byte(r.To)
	return func(_ string, content []byte) ([]byte, error) {
		return bytes.ReplaceAll(content, from, to), nil
	}
}
