// Package manifest loads the boot manifest that a host applies at startup:
// labels, named config, providers, actors and links.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/reglet-dev/latticed/internal/domain/links"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

// Manifest is the desired state applied when a host boots.
type Manifest struct {
	Vars      map[string]any    `yaml:"vars,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
	Config    []ConfigEntry     `yaml:"config,omitempty"`
	Providers []Provider        `yaml:"providers,omitempty"`
	Actors    []Actor           `yaml:"actors,omitempty"`
	Links     []Link            `yaml:"links,omitempty"`
}

// ConfigEntry is a named config map.
type ConfigEntry struct {
	Name   string            `yaml:"name"`
	Values map[string]string `yaml:"values,omitempty"`
}

// Provider is a provider to start.
type Provider struct {
	ImageRef string   `yaml:"image_ref"`
	LinkName string   `yaml:"link_name,omitempty"`
	Config   []string `yaml:"config,omitempty"`
}

// Actor is an actor to start.
type Actor struct {
	ImageRef string `yaml:"image_ref"`
}

// Link is a link definition to advertise.
type Link struct {
	ActorID    string            `yaml:"actor_id"`
	ContractID string            `yaml:"contract_id"`
	LinkName   string            `yaml:"link_name,omitempty"`
	ProviderID string            `yaml:"provider_id"`
	Values     map[string]string `yaml:"values,omitempty"`
}

// Definition converts the entry into a link definition.
func (l Link) Definition() links.Definition {
	return links.Definition{
		ActorID:    l.ActorID,
		ContractID: l.ContractID,
		LinkName:   l.LinkName,
		ProviderID: l.ProviderID,
		Values:     links.Values(l.Values),
	}
}

// Load reads, validates and parses a manifest file.
func Load(path string) (*Manifest, error) {
	// Security: Use os.OpenRoot to prevent path traversal attacks
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(buf.Bytes())
}

// Parse validates data against the manifest schema and decodes it.
func Parse(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Manifest{}, nil
	}
	if err := Validate(data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.UnmarshalWithOptions(data, &m, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Validate checks a YAML document against the manifest schema.
func Validate(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}

	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if v == nil {
		return nil
	}

	if err := schema.Validate(v); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return formatSchemaValidationError(validationErr)
		}
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("manifest.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema: %w", err)
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return schema, nil
}

// formatSchemaValidationError flattens the error tree into one line per
// failing location.
func formatSchemaValidationError(err *jsonschema.ValidationError) error {
	var messages []string
	var collect func(*jsonschema.ValidationError)
	collect = func(e *jsonschema.ValidationError) {
		if e.Message != "" && len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "(root)"
			}
			messages = append(messages, fmt.Sprintf("%s: %s", location, e.Message))
		}
		for _, cause := range e.Causes {
			collect(cause)
		}
	}
	collect(err)

	if len(messages) == 0 {
		return fmt.Errorf("manifest validation failed")
	}
	return fmt.Errorf("manifest validation failed:\n    - %s", strings.Join(messages, "\n    - "))
}
