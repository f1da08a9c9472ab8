package manifest

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
)

// Variable pattern: {{ .vars.key }}
var varPattern = regexp.MustCompile(`\{\{\s*\.vars\.([a-zA-Z0-9_.]+)\s*\}\}`)

// Secret pattern: {{ secret "key" }}
var secretPattern = regexp.MustCompile(`\{\{\s*secret\s+"([a-zA-Z0-9_.-]+)"\s*\}\}`)

// SecretResolver resolves a named secret.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// Substitutor expands variable and secret references in manifest values.
type Substitutor struct {
	resolver SecretResolver
}

// NewSubstitutor creates a substitutor. A nil resolver leaves secret
// references untouched.
func NewSubstitutor(resolver SecretResolver) *Substitutor {
	return &Substitutor{resolver: resolver}
}

// Substitute expands references in image refs, labels, config values and
// link fields. The manifest is modified in place.
func (s *Substitutor) Substitute(m *Manifest) error {
	var err error
	if m.Labels, err = s.substituteInMap(m.Labels, m.Vars); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	for i := range m.Config {
		entry := &m.Config[i]
		if entry.Values, err = s.substituteInMap(entry.Values, m.Vars); err != nil {
			return fmt.Errorf("config %s: %w", entry.Name, err)
		}
	}
	for i := range m.Providers {
		p := &m.Providers[i]
		if p.ImageRef, err = s.substituteInString(p.ImageRef, m.Vars); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}
	for i := range m.Actors {
		a := &m.Actors[i]
		if a.ImageRef, err = s.substituteInString(a.ImageRef, m.Vars); err != nil {
			return fmt.Errorf("actor %d: %w", i, err)
		}
	}
	for i := range m.Links {
		l := &m.Links[i]
		for _, field := range []*string{&l.ActorID, &l.ProviderID} {
			if *field, err = s.substituteInString(*field, m.Vars); err != nil {
				return fmt.Errorf("link %d: %w", i, err)
			}
		}
		if l.Values, err = s.substituteInMap(l.Values, m.Vars); err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
	}
	return nil
}

func (s *Substitutor) substituteInMap(in map[string]string, vars map[string]any) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := maps.Clone(in)
	for key, value := range in {
		substituted, err := s.substituteInString(value, vars)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		out[key] = substituted
	}
	return out, nil
}

func (s *Substitutor) substituteInString(str string, vars map[string]any) (string, error) {
	var lastErr error

	result := varPattern.ReplaceAllStringFunc(str, func(match string) string {
		path := varPattern.FindStringSubmatch(match)[1]
		value, err := lookupVar(vars, path)
		if err != nil {
			lastErr = err
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	if lastErr != nil {
		return "", lastErr
	}

	if s.resolver == nil {
		return result, nil
	}
	result = secretPattern.ReplaceAllStringFunc(result, func(match string) string {
		name := secretPattern.FindStringSubmatch(match)[1]
		value, err := s.resolver.Resolve(name)
		if err != nil {
			lastErr = fmt.Errorf("resolving secret %s: %w", name, err)
			return match
		}
		return value
	})
	if lastErr != nil {
		return "", lastErr
	}
	return result, nil
}

// lookupVar follows a dotted path through nested vars maps.
func lookupVar(vars map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	current := any(vars)
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("variable path %s: cannot access %s (not a map)", path, strings.Join(parts[:i+1], "."))
		}
		value, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("variable not found: %s", path)
		}
		current = value
	}
	if _, ok := current.(map[string]any); ok {
		return nil, fmt.Errorf("variable %s is a map, not a value", path)
	}
	return current, nil
}
