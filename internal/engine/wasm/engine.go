package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/engine/wasm/manifest"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	guestModelDir  = "/model"
	guestScorerDir = "/scorer"
	maxStringLen   = 1 << 20
)

var errStreamFinished = errors.New("wasm: stream already finished")

// Plugin is a compiled engine module whose export table has been verified.
// Engines created from it share the compiled code; each gets its own module
// instance.
type Plugin struct {
	Manifest manifest.Manifest
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
	seq      atomic.Uint64
}

// Open loads the manifest at path and compiles the module it names.
func Open(ctx context.Context, path string, host HostBindings) (*Plugin, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load engine manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return nil, fmt.Errorf("invalid engine manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return Compile(ctx, m, wasmBytes, host)
}

// Compile builds a plugin from module bytes. Nothing is left allocated when
// the export table is incomplete.
func Compile(ctx context.Context, m manifest.Manifest, wasmBytes []byte, host HostBindings) (*Plugin, error) {
	host = host.ensure()
	rt, err := newRuntime(ctx, host)
	if err != nil {
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if err := checkSymbols(compiled); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return &Plugin{
		Manifest: m,
		rt:       rt,
		compiled: compiled,
		logger:   host.Logger.With(slog.String("component", "stt-wasm"), slog.String("plugin", m.Metadata.Name)),
	}, nil
}

// Report is the result of inspecting a module without instantiating it.
type Report struct {
	Symbols []SymbolStatus
	Memory  bool
	// Err is nil when the module satisfies the engine ABI.
	Err error
}

// Inspect compiles wasmBytes and resolves the required exports. Unlike
// Compile it reports an incomplete export table instead of failing.
func Inspect(ctx context.Context, wasmBytes []byte) (Report, error) {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return Report{}, fmt.Errorf("compile module: %w", err)
	}
	_, memory := compiled.ExportedMemories()[memoryExport]
	return Report{
		Symbols: inspectSymbols(compiled),
		Memory:  memory,
		Err:     checkSymbols(compiled),
	}, nil
}

// Symbols reports the resolution of every required export.
func (p *Plugin) Symbols() []SymbolStatus {
	return inspectSymbols(p.compiled)
}

// Close releases the runtime and every module instantiated from it.
func (p *Plugin) Close(ctx context.Context) error {
	if p == nil || p.rt == nil {
		return nil
	}
	return p.rt.Close(ctx)
}

// NewEngine returns an engine backed by a fresh module instance, created
// when the model is loaded.
func (p *Plugin) NewEngine() *Engine {
	return &Engine{plugin: p}
}

type exports struct {
	alloc, dealloc            api.Function
	createModel, enableScorer api.Function
	freeModel                 api.Function
	createStream, freeStream  api.Function
	feed                      api.Function
	intermediate, finish      api.Function
	freeString                api.Function
}

type Engine struct {
	plugin *Plugin
	module api.Module
	fn     exports
}

func (e *Engine) Name() string { return "wasm" }

func (e *Engine) LoadModel(ctx context.Context, modelPath, scorerPath string) (stt.Model, error) {
	if e.module != nil {
		return nil, errors.New("wasm: model already loaded")
	}
	if modelPath == "" {
		modelPath = e.plugin.Manifest.Model.Path
	}
	if scorerPath == "" {
		scorerPath = e.plugin.Manifest.Model.Scorer
	}

	fsConfig := wazero.NewFSConfig()
	guestModel, fsConfig, err := mount(fsConfig, modelPath, guestModelDir)
	if err != nil {
		return nil, err
	}
	guestScorer, fsConfig, err := mount(fsConfig, scorerPath, guestScorerDir)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%d", e.plugin.Manifest.Metadata.Name, e.plugin.seq.Add(1))
	config := wazero.NewModuleConfig().
		WithName(name).
		WithFSConfig(fsConfig).
		WithStdout(os.Stderr).
		WithStderr(os.Stderr)
	if _, ok := e.plugin.compiled.ExportedFunctions()[startInitialize]; ok {
		config = config.WithStartFunctions(startInitialize)
	} else {
		config = config.WithStartFunctions(startCommand)
	}
	module, err := e.plugin.rt.InstantiateModule(ctx, e.plugin.compiled, config)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	e.module = module
	e.fn = exports{
		alloc:        module.ExportedFunction(symAlloc),
		dealloc:      module.ExportedFunction(symDealloc),
		createModel:  module.ExportedFunction(symCreateModel),
		enableScorer: module.ExportedFunction(symEnableScorer),
		freeModel:    module.ExportedFunction(symFreeModel),
		createStream: module.ExportedFunction(symCreateStream),
		freeStream:   module.ExportedFunction(symFreeStream),
		feed:         module.ExportedFunction(symFeedAudio),
		intermediate: module.ExportedFunction(symIntermediate),
		finish:       module.ExportedFunction(symFinishStream),
		freeString:   module.ExportedFunction(symFreeString),
	}

	handle, err := e.callWithString(ctx, e.fn.createModel, guestModel)
	if err != nil || handle == 0 {
		e.closeModule(ctx)
		return nil, errors.Join(fmt.Errorf("create model %q failed", modelPath), err)
	}
	if guestScorer != "" {
		status, err := e.callWithString(ctx, e.fn.enableScorer, guestScorer, uint64(handle))
		if err != nil || status != 0 {
			_, _ = e.fn.freeModel.Call(ctx, uint64(handle))
			e.closeModule(ctx)
			return nil, errors.Join(fmt.Errorf("enable scorer %q failed (status %d)", scorerPath, status), err)
		}
	}
	e.plugin.logger.Info("wasm model loaded", slog.String("module", name), slog.String("model", modelPath))
	return &model{engine: e, handle: handle}, nil
}

func (e *Engine) Close() error {
	e.closeModule(context.Background())
	return nil
}

func (e *Engine) closeModule(ctx context.Context) {
	if e.module == nil {
		return
	}
	if err := e.module.Close(ctx); err != nil {
		e.plugin.logger.Warn("failed to close module", slog.String("error", err.Error()))
	}
	e.module = nil
}

// mount exposes the directory of a host file read-only inside the guest and
// returns the guest path of the file.
func mount(fsConfig wazero.FSConfig, hostPath, guestDir string) (string, wazero.FSConfig, error) {
	if hostPath == "" {
		return "", fsConfig, nil
	}
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return "", fsConfig, fmt.Errorf("resolve %s: %w", hostPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fsConfig, fmt.Errorf("stat %s: %w", hostPath, err)
	}
	fsConfig = fsConfig.WithReadOnlyDirMount(filepath.Dir(abs), guestDir)
	return guestDir + "/" + filepath.Base(abs), fsConfig, nil
}

// callWithString copies s into guest memory as a NUL-terminated string,
// calls fn with extra arguments followed by the string pointer and frees the
// copy.
func (e *Engine) callWithString(ctx context.Context, fn api.Function, s string, args ...uint64) (uint32, error) {
	if s == "" {
		results, err := fn.Call(ctx, append(args, 0)...)
		if err != nil {
			return 0, err
		}
		return api.DecodeU32(results[0]), nil
	}
	data := append([]byte(s), 0)
	ptr, err := e.write(ctx, data)
	if err != nil {
		return 0, err
	}
	defer e.free(ctx, ptr, uint32(len(data)))
	results, err := fn.Call(ctx, append(args, uint64(ptr))...)
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(results[0]), nil
}

func (e *Engine) write(ctx context.Context, data []byte) (uint32, error) {
	results, err := e.fn.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", symAlloc, err)
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%s returned null for %d bytes", symAlloc, len(data))
	}
	if !e.module.Memory().Write(ptr, data) {
		e.free(ctx, ptr, uint32(len(data)))
		return 0, fmt.Errorf("write %d bytes at %d out of range", len(data), ptr)
	}
	return ptr, nil
}

func (e *Engine) free(ctx context.Context, ptr, size uint32) {
	if _, err := e.fn.dealloc.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		e.plugin.logger.Warn("dealloc failed", slog.String("error", err.Error()))
	}
}

// takeString reads an engine-owned string and always returns it to the
// engine, whether or not the read succeeds.
func (e *Engine) takeString(ctx context.Context, ptr uint32) (string, error) {
	defer func() {
		if _, err := e.fn.freeString.Call(ctx, uint64(ptr)); err != nil {
			e.plugin.logger.Warn("free string failed", slog.String("error", err.Error()))
		}
	}()
	mem := e.module.Memory()
	var buf []byte
	for offset := ptr; ; offset++ {
		b, ok := mem.ReadByte(offset)
		if !ok {
			return "", fmt.Errorf("string at %d runs past memory", ptr)
		}
		if b == 0 {
			return string(buf), nil
		}
		if len(buf) >= maxStringLen {
			return "", fmt.Errorf("string at %d exceeds %d bytes", ptr, maxStringLen)
		}
		buf = append(buf, b)
	}
}

type model struct {
	engine *Engine
	handle uint32
}

func (m *model) NewSession(ctx context.Context) (stt.Session, error) {
	if m.handle == 0 {
		return nil, errors.New("wasm: model closed")
	}
	results, err := m.engine.fn.createStream.Call(ctx, uint64(m.handle))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", symCreateStream, err)
	}
	stream := api.DecodeU32(results[0])
	if stream == 0 {
		return nil, fmt.Errorf("%s returned no stream", symCreateStream)
	}
	return &session{engine: m.engine, stream: stream}, nil
}

func (m *model) Close() error {
	if m.handle == 0 {
		return nil
	}
	handle := m.handle
	m.handle = 0
	if _, err := m.engine.fn.freeModel.Call(context.Background(), uint64(handle)); err != nil {
		return fmt.Errorf("%s: %w", symFreeModel, err)
	}
	return nil
}

type session struct {
	engine *Engine
	stream uint32
}

func (s *session) Feed(ctx context.Context, samples []int16) error {
	if s.stream == 0 {
		return errStreamFinished
	}
	if len(samples) == 0 {
		return nil
	}
	data := audio.SamplesToBytes(samples)
	ptr, err := s.engine.write(ctx, data)
	if err != nil {
		return err
	}
	defer s.engine.free(ctx, ptr, uint32(len(data)))
	results, err := s.engine.fn.feed.Call(ctx, uint64(s.stream), uint64(ptr), uint64(len(samples)))
	if err != nil {
		return fmt.Errorf("%s: %w", symFeedAudio, err)
	}
	if status := api.DecodeI32(results[0]); status != 0 {
		return fmt.Errorf("%s returned status %d", symFeedAudio, status)
	}
	return nil
}

func (s *session) Intermediate(ctx context.Context) (string, error) {
	if s.stream == 0 {
		return "", errStreamFinished
	}
	results, err := s.engine.fn.intermediate.Call(ctx, uint64(s.stream))
	if err != nil {
		return "", fmt.Errorf("%s: %w", symIntermediate, err)
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return "", fmt.Errorf("%s returned no text", symIntermediate)
	}
	return s.engine.takeString(ctx, ptr)
}

// Finish decodes the stream and releases it inside the engine.
func (s *session) Finish(ctx context.Context) (string, error) {
	if s.stream == 0 {
		return "", errStreamFinished
	}
	stream := s.stream
	s.stream = 0
	results, err := s.engine.fn.finish.Call(ctx, uint64(stream))
	if err != nil {
		return "", fmt.Errorf("%s: %w", symFinishStream, err)
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return "", fmt.Errorf("%s returned no text", symFinishStream)
	}
	return s.engine.takeString(ctx, ptr)
}

func (s *session) Close() error {
	if s.stream == 0 {
		return nil
	}
	stream := s.stream
	s.stream = 0
	if _, err := s.engine.fn.freeStream.Call(context.Background(), uint64(stream)); err != nil {
		return fmt.Errorf("%s: %w", symFreeStream, err)
	}
	return nil
}
