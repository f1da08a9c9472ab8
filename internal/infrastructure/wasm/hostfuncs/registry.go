package hostfuncs

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the import module actors link host functions from.
const ModuleName = "lattice"

// RegisterHostFunctions instantiates the lattice host module in runtime.
func RegisterHostFunctions(ctx context.Context, runtime wazero.Runtime, caller HostCaller) error {
	builder := runtime.NewHostModuleBuilder(ModuleName)

	// Parameters: requestPacked (i64) - packed ptr+len of HostCallWire JSON
	// Returns: responsePacked (i64) - packed ptr+len of Response JSON
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			HostCall(ctx, mod, stack, caller)
		}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("host_call")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(LogMessage), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		Export("log_message")

	_, err := builder.Instantiate(ctx)
	return err
}
