// Package output renders control interface results for the command line.
package output

import (
	"encoding/json"
	"fmt"
	"io"
)

// Formatter writes one result.
type Formatter interface {
	Format(v any) error
}

// Options configure a formatter.
type Options struct {
	Indent bool // JSON only
	Color  bool // table only
}

// NewFormatter returns a formatter for the given format name.
func NewFormatter(format string, w io.Writer, opts Options) (Formatter, error) {
	switch format {
	case "table":
		return NewTableFormatter(w, opts.Color), nil
	case "json":
		return NewJSONFormatter(w, opts.Indent), nil
	case "yaml":
		return NewYAMLFormatter(w), nil
	default:
		return nil, fmt.Errorf("unknown format: %s (supported: %v)", format, SupportedFormats())
	}
}

// SupportedFormats returns list of available format names.
func SupportedFormats() []string {
	return []string{"table", "json", "yaml"}
}

// JSONFormatter formats results as JSON.
type JSONFormatter struct {
	writer io.Writer
	indent bool
}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter(w io.Writer, indent bool) *JSONFormatter {
	return &JSONFormatter{writer: w, indent: indent}
}

// Format writes v as one JSON document.
func (f *JSONFormatter) Format(v any) error {
	encoder := json.NewEncoder(f.writer)
	if f.indent {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(v)
}
