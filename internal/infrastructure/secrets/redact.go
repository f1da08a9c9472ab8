package secrets

import (
	"io"
	"strings"
	"sync"
)

// Redacted replaces tracked values in redacted output.
const Redacted = "[REDACTED]"

// Registry is a thread-safe set of sensitive values.
type Registry struct {
	mu     sync.RWMutex
	values []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{values: make([]string, 0, 8)}
}

// Track registers a value to redact. Empty values and nil registries are ignored.
func (r *Registry) Track(value string) {
	if r == nil || value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.values {
		if v == value {
			return
		}
	}
	r.values = append(r.values, value)
}

// Values returns a copy of the tracked values.
func (r *Registry) Values() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Scrub replaces every tracked value in s.
func (r *Registry) Scrub(s string) string {
	for _, secret := range r.Values() {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}

// Writer wraps an io.Writer and scrubs tracked values before writing.
// Safe for concurrent use.
type Writer struct {
	underlying io.Writer
	registry   *Registry
	mu         sync.Mutex
}

// NewWriter creates a redacting writer.
func NewWriter(w io.Writer, r *Registry) *Writer {
	return &Writer{underlying: w, registry: r}
}

// Write implements io.Writer. It reports len(p) on success even when the
// redacted output differs in length.
func (w *Writer) Write(p []byte) (int, error) {
	redacted := w.registry.Scrub(string(p))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.underlying, redacted); err != nil {
		return 0, err
	}
	return len(p), nil
}
