package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero/api"
)

// Response is the envelope exchanged with guests for both guest results and
// host call results.
type Response struct {
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteBytes copies data into memory obtained from the guest's allocate export.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocateFn := mod.ExportedFunction("allocate")
	if allocateFn == nil {
		return 0, fmt.Errorf("module does not export allocate()")
	}
	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate guest memory: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate() returned no results")
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if ptr == 0 && len(data) > 0 {
		return 0, fmt.Errorf("allocate() returned null pointer")
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write guest memory at offset %d", ptr)
	}
	return ptr, nil
}

// ReadBytes copies length bytes at ptr out of guest memory.
func ReadBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("failed to read guest memory at offset %d", ptr)
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// Deallocate releases guest memory. Missing deallocate exports are ignored.
func Deallocate(ctx context.Context, mod api.Module, ptr, length uint32) {
	// a trapping deallocate must not mask the real result
	defer func() {
		_ = recover()
	}()
	if fn := mod.ExportedFunction("deallocate"); fn != nil {
		//nolint:errcheck,gosec // G104: Deallocation is best-effort cleanup
		fn.Call(ctx, uint64(ptr), uint64(length))
	}
}

// writeResponse encodes resp into guest memory and returns packed ptr+len.
func writeResponse(ctx context.Context, mod api.Module, resp Response) uint64 {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to marshal response", "error", err)
		data = []byte(`{"error":"host failed to encode response"}`)
	}
	ptr, err := WriteBytes(ctx, mod, data)
	if err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to return response to guest", "error", err)
		return 0
	}
	return PackPtrLen(ptr, uint32(len(data))) //nolint:gosec // G115: WASM memory allocations are bounded to 4GB
}

// PackPtrLen packs a guest pointer and length into one i64.
func PackPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// UnpackPtrLen reverses PackPtrLen.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32) //nolint:gosec // G115: Packed format stores 32-bit values
	length = uint32(packed)    //nolint:gosec // G115: Packed format stores 32-bit values
	return ptr, length
}
