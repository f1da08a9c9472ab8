// Package wasm runs actor modules with wazero. Each invocation gets a fresh
// module instance, so actors hold no state between calls.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// TokenSection is the custom section that carries an actor's claims token.
const TokenSection = "jwt"

// ErrNoToken is returned when a module carries no claims token.
var ErrNoToken = errors.New("module has no embedded claims token")

// globalCache speeds up compilation across runtimes.
var globalCache = wazero.NewCompilationCache()

// Config holds runtime settings.
type Config struct {
	// MemoryLimitMB caps each instance's memory: 0 is the 256MB default, -1 is unlimited.
	MemoryLimitMB int
	// Caller services host_call imports. Without one, host calls fail.
	Caller hostfuncs.HostCaller
	// Output receives guest stdout and stderr. Defaults to os.Stderr.
	Output io.Writer
}

// Runtime compiles actor modules and instantiates them for the host controller.
type Runtime struct {
	runtime wazero.Runtime
	output  io.Writer
}

var _ ports.ActorRuntime = (*Runtime)(nil)

// NewRuntime creates a runtime with WASI and the lattice host module.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	memoryLimitMB := cfg.MemoryLimitMB
	switch {
	case memoryLimitMB == 0:
		memoryLimitMB = 256
	case memoryLimitMB == -1:
		slog.Warn("WASM memory limit disabled (unlimited memory)")
	case memoryLimitMB > 0:
		if memoryLimitMB < 64 {
			slog.Warn("WASM memory limit very low, actors may fail", "mb", memoryLimitMB)
		}
	default:
		return nil, fmt.Errorf("invalid WASM memory limit: %d (must be >= -1)", memoryLimitMB)
	}

	config := wazero.NewRuntimeConfig().
		WithCompilationCache(globalCache).
		WithCustomSections(true).
		WithCloseOnContextDone(true)
	if memoryLimitMB > 0 {
		// 1 page = 64KB
		config = config.WithMemoryLimitPages(uint32(memoryLimitMB * 16)) //nolint:gosec // G115: bounded above
	}
	r := wazero.NewRuntimeWithConfig(ctx, config)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	caller := cfg.Caller
	if caller == nil {
		caller = noCaller{}
	}
	if err := hostfuncs.RegisterHostFunctions(ctx, r, caller); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	return &Runtime{runtime: r, output: output}, nil
}

// Instantiate compiles image and returns an actor mailbox for it.
func (r *Runtime) Instantiate(ctx context.Context, claims *capabilities.Claims, image *ports.ActorImage) (ports.ActorInstance, error) {
	compiled, err := r.runtime.CompileModule(ctx, image.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile actor %s: %w", claims.Subject, err)
	}
	for _, name := range []string{"allocate", "handle"} {
		if _, ok := compiled.ExportedFunctions()[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("actor %s does not export %s()", claims.Subject, name)
		}
	}
	return &Actor{
		id:      claims.Subject,
		module:  compiled,
		runtime: r.runtime,
		output:  r.output,
	}, nil
}

// ExtractToken returns the claims token embedded in module's jwt custom section.
func (r *Runtime) ExtractToken(ctx context.Context, module []byte) (string, error) {
	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return "", fmt.Errorf("failed to compile module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	for _, section := range compiled.CustomSections() {
		if section.Name() == TokenSection {
			return string(section.Data()), nil
		}
	}
	return "", ErrNoToken
}

// Close releases the runtime and every compiled module.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

type noCaller struct{}

func (noCaller) CallLinked(_ context.Context, _, contractID, linkName, _ string, _ []byte) *invocation.Response {
	return invocation.Failure("", fmt.Errorf("no host call route for %s/%s", contractID, linkName))
}
