// Package wasm hosts recognition engines compiled to WebAssembly. A guest
// exports the stt_* function table and is driven through wazero.
package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostBindings are the host functions offered to guests under the "env"
// module.
type HostBindings struct {
	Logger *slog.Logger
	// OnLog receives every guest log line after it is logged.
	OnLog func(message string)
}

func (h HostBindings) ensure() HostBindings {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return h
}

// newRuntime creates a wazero runtime with the host module and WASI
// instantiated.
func newRuntime(ctx context.Context, host HostBindings) (wazero.Runtime, error) {
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, host.ensure()); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return rt, nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host HostBindings) error {
	logger := host.Logger

	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		msg := string(data)
		logger.Info("engine log", slog.String("module", mod.Name()), slog.String("message", msg))
		if host.OnLog != nil {
			host.OnLog(msg)
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		WithParameterNames("ptr", "len").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}
