// Package secrets resolves the `{{ secret "name" }}` references of a manifest
// and keeps the resolved values out of log output.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/reglet-dev/latticed/internal/infrastructure/system"
)

// ErrUnknownSecret is returned when no source maps a referenced name.
var ErrUnknownSecret = errors.New("no source defines this secret")

// Source looks up one secret. ok is false when the source has no mapping for
// name; an error means the mapping exists but could not be read.
type Source interface {
	Lookup(name string) (value string, ok bool, err error)
}

// Inline serves values written directly into host config. Development only.
type Inline map[string]string

func (s Inline) Lookup(name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// EnvVars maps secret names to environment variables. A mapped variable that
// is unset or empty is an error rather than a miss.
type EnvVars map[string]string

func (s EnvVars) Lookup(name string) (string, bool, error) {
	variable, ok := s[name]
	if !ok {
		return "", false, nil
	}
	v := os.Getenv(variable)
	if v == "" {
		return "", true, fmt.Errorf("environment variable %s is not set", variable)
	}
	return v, true, nil
}

// Files maps secret names to files holding one value each. Reads are confined
// to the mapped file's directory and surrounding whitespace is trimmed.
type Files map[string]string

func (s Files) Lookup(name string) (string, bool, error) {
	path, ok := s[name]
	if !ok {
		return "", false, nil
	}
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return "", true, fmt.Errorf("failed to open secret directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(filepath.Base(path))
	if err != nil {
		return "", true, fmt.Errorf("failed to open secret file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", true, fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// SourcesFromConfig orders the configured sources by precedence: inline
// values, then environment variables, then files.
func SourcesFromConfig(cfg *system.SecretsConfig) []Source {
	if cfg == nil {
		return nil
	}
	return []Source{Inline(cfg.Local), EnvVars(cfg.Env), Files(cfg.Files)}
}

// Resolver answers manifest secret references from a chain of sources. The
// first source that maps a name decides it. A name resolves once per
// resolver, so every reference in a deployment sees the same value, and each
// value is handed to the redaction registry before it is returned.
type Resolver struct {
	sources []Source
	redact  *Registry

	mu       sync.Mutex
	resolved map[string]string
}

// NewResolver builds a resolver over the host's configured sources. A nil
// registry disables redaction tracking.
func NewResolver(cfg *system.SecretsConfig, redact *Registry) *Resolver {
	return NewChain(redact, SourcesFromConfig(cfg)...)
}

// NewChain builds a resolver over explicit sources, consulted in order.
func NewChain(redact *Registry, sources ...Source) *Resolver {
	return &Resolver{
		sources:  sources,
		redact:   redact,
		resolved: make(map[string]string),
	}
}

// Resolve returns the value for a `{{ secret "name" }}` reference.
func (r *Resolver) Resolve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.resolved[name]; ok {
		return v, nil
	}

	for _, src := range r.sources {
		v, ok, err := src.Lookup(name)
		if err != nil {
			return "", fmt.Errorf("secret %q: %w", name, err)
		}
		if !ok {
			continue
		}
		r.resolved[name] = v
		r.redact.Track(v)
		return v, nil
	}
	return "", fmt.Errorf("secret %q: %w", name, ErrUnknownSecret)
}
