package hostfuncs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tetratelabs/wazero/api"
)

// HostCallWire is the JSON request a guest passes to host_call.
type HostCallWire struct {
	Binding   string `json:"binding"`   // link name, "default" when empty
	Namespace string `json:"namespace"` // contract id
	Operation string `json:"operation"`
	Payload   []byte `json:"payload,omitempty"`
}

// HostCall implements the `host_call` host function. It receives a packed
// ptr+len of a HostCallWire and returns a packed ptr+len of a Response.
func HostCall(ctx context.Context, mod api.Module, stack []uint64, caller HostCaller) {
	stack[0] = writeResponse(ctx, mod, hostCall(ctx, mod, stack[0], caller))
}

func hostCall(ctx context.Context, mod api.Module, packed uint64, caller HostCaller) Response {
	actorID, ok := ActorIDFromContext(ctx)
	if !ok {
		return Response{Error: "host_call outside of an actor invocation"}
	}
	ptr, length := UnpackPtrLen(packed)
	data, err := ReadBytes(mod, ptr, length)
	if err != nil {
		return Response{Error: err.Error()}
	}
	var req HostCallWire
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Error: "invalid host_call request: " + err.Error()}
	}
	if req.Namespace == "" || req.Operation == "" {
		return Response{Error: "host_call requires a namespace and an operation"}
	}
	if req.Binding == "" {
		req.Binding = "default"
	}

	resp := caller.CallLinked(ctx, actorID, req.Namespace, req.Binding, req.Operation, req.Payload)
	if resp.IsError() {
		slog.DebugContext(ctx, "host call failed", "actor", actorID, "namespace", req.Namespace,
			"binding", req.Binding, "operation", req.Operation, "error", resp.Error)
		return Response{Error: resp.Error}
	}
	return Response{Payload: resp.Payload}
}
