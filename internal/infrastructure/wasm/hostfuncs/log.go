package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// LogMessageWire is the JSON wire format for a log message from Guest to Host.
type LogMessageWire struct {
	Level   string        `json:"level"`
	Message string        `json:"message"`
	Attrs   []LogAttrWire `json:"attrs,omitempty"`
}

// LogAttrWire represents a single slog attribute.
type LogAttrWire struct {
	Key   string `json:"key"`
	Type  string `json:"type"`  // "string", "int64", "bool", "float64", "time", "error", "any"
	Value string `json:"value"` // String representation of the value
}

// LogMessage implements the `log_message` host function.
// It receives a packed uint64 (ptr+len) pointing to a JSON-encoded LogMessageWire.
// It does not return any value.
func LogMessage(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := UnpackPtrLen(stack[0])
	data, err := ReadBytes(mod, ptr, length)
	if err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to read log message from guest memory")
		return
	}
	var msg LogMessageWire
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to unmarshal log message", "error", err)
		return
	}

	attrs := convertLogAttrs(msg.Attrs)
	if actorID, ok := ActorIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("actor", actorID))
	}
	slog.LogAttrs(ctx, parseLogLevel(msg.Level), msg.Message, attrs...)
}

// parseLogLevel converts a string level to slog.Level.
func parseLogLevel(levelStr string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		slog.Warn("hostfuncs: unknown log level from actor", "level", levelStr)
	}
	return level
}

func convertLogAttrs(wireAttrs []LogAttrWire) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs)+1)
	for _, attr := range wireAttrs {
		attrs = append(attrs, convertSingleAttr(attr))
	}
	return attrs
}

func convertSingleAttr(attr LogAttrWire) slog.Attr {
	switch attr.Type {
	case "string":
		return slog.String(attr.Key, attr.Value)
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	// unknown types and parse failures fall back to the raw string
	return slog.Any(attr.Key, attr.Value)
}
