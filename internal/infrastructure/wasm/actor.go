package wasm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Actor is a compiled actor module.
//
// Guest ABI:
//
//	allocate(size i32) i32
//	deallocate(ptr i32, size i32)                  optional
//	handle(op_ptr, op_len, msg_ptr, msg_len i32) i64  packed ptr+len of a Response JSON
//
// Imports from module "lattice": host_call(i64) i64 and log_message(i64).
type Actor struct {
	id      string
	module  wazero.CompiledModule
	runtime wazero.Runtime
	output  io.Writer
	closed  atomic.Bool
}

var _ ports.ActorInstance = (*Actor)(nil)

// Deliver runs the actor's handle export for inv on a fresh instance.
func (a *Actor) Deliver(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("actor %s is closed", a.id)
	}
	ctx = hostfuncs.WithActorID(ctx, a.id)

	instance, err := a.createInstance(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = instance.Close(ctx)
	}()

	resp, err := a.handle(ctx, instance, inv.Operation, inv.Payload)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return invocation.Failure(inv.ID, fmt.Errorf("%s", resp.Error)), nil
	}
	return invocation.Success(inv.ID, resp.Payload), nil
}

// Close releases the compiled module. In-flight calls finish on their own instances.
func (a *Actor) Close(ctx context.Context) error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.module.Close(ctx)
}

// createInstance instantiates the module with a fresh memory environment.
func (a *Actor) createInstance(ctx context.Context) (api.Module, error) {
	config := wazero.NewModuleConfig().
		// anonymous: instances of the same actor may run concurrently
		WithName("").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithStdout(a.output).
		WithStderr(a.output).
		WithStartFunctions()

	instance, err := a.runtime.InstantiateModule(ctx, a.module, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate actor %s: %w", a.id, err)
	}

	// WASI reactors built with -buildmode=c-shared need _initialize first
	if initFn := instance.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = instance.Close(ctx)
			return nil, fmt.Errorf("failed to initialize actor %s: %w", a.id, err)
		}
	}
	return instance, nil
}

func (a *Actor) handle(ctx context.Context, instance api.Module, operation string, payload []byte) (*hostfuncs.Response, error) {
	opPtr, err := hostfuncs.WriteBytes(ctx, instance, []byte(operation))
	if err != nil {
		return nil, err
	}
	defer hostfuncs.Deallocate(ctx, instance, opPtr, uint32(len(operation))) //nolint:gosec // G115: bounded by guest memory

	msgPtr, err := hostfuncs.WriteBytes(ctx, instance, payload)
	if err != nil {
		return nil, err
	}
	defer hostfuncs.Deallocate(ctx, instance, msgPtr, uint32(len(payload))) //nolint:gosec // G115: bounded by guest memory

	results, err := instance.ExportedFunction("handle").Call(ctx,
		uint64(opPtr), uint64(len(operation)), uint64(msgPtr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("actor %s failed handling %s: %w", a.id, operation, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("handle() returned no results")
	}

	ptr, size := hostfuncs.UnpackPtrLen(results[0])
	if ptr == 0 || size == 0 {
		return &hostfuncs.Response{}, nil
	}
	data, err := hostfuncs.ReadBytes(instance, ptr, size)
	hostfuncs.Deallocate(ctx, instance, ptr, size)
	if err != nil {
		return nil, err
	}
	var resp hostfuncs.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response from actor %s: %w", a.id, err)
	}
	return &resp, nil
}
