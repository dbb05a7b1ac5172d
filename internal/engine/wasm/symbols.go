package wasm

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ErrMissingSymbols is returned when a module does not export the complete
// stt_* table with the expected signatures.
var ErrMissingSymbols = errors.New("wasm: engine module is missing required exports")

const (
	symAlloc        = "stt_alloc"
	symDealloc      = "stt_dealloc"
	symCreateModel  = "stt_create_model"
	symEnableScorer = "stt_enable_external_scorer"
	symFreeModel    = "stt_free_model"
	symCreateStream = "stt_create_stream"
	symFreeStream   = "stt_free_stream"
	symFeedAudio    = "stt_feed_audio_content"
	symIntermediate = "stt_intermediate_decode"
	symFinishStream = "stt_finish_stream"
	symFreeString   = "stt_free_string"
	memoryExport    = "memory"
	startInitialize = "_initialize"
	startCommand    = "_start"
)

// Symbol is one required export and its signature.
type Symbol struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

var (
	i32 = api.ValueTypeI32

	requiredSymbols = []Symbol{
		{Name: symAlloc, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		{Name: symDealloc, Params: []api.ValueType{i32, i32}},
		{Name: symCreateModel, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		{Name: symEnableScorer, Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
		{Name: symFreeModel, Params: []api.ValueType{i32}},
		{Name: symCreateStream, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		{Name: symFreeStream, Params: []api.ValueType{i32}},
		{Name: symFeedAudio, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}},
		{Name: symIntermediate, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		{Name: symFinishStream, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		{Name: symFreeString, Params: []api.ValueType{i32}},
	}
)

// RequiredSymbols lists the exports every engine module must provide.
func RequiredSymbols() []Symbol {
	return slices.Clone(requiredSymbols)
}

// SymbolStatus reports how one required export resolved.
type SymbolStatus struct {
	Symbol
	Present bool
	// Mismatch describes a signature difference when the export exists.
	Mismatch string
}

func (s SymbolStatus) OK() bool { return s.Present && s.Mismatch == "" }

// inspectSymbols resolves every required export of a compiled module.
func inspectSymbols(compiled wazero.CompiledModule) []SymbolStatus {
	exports := compiled.ExportedFunctions()
	statuses := make([]SymbolStatus, 0, len(requiredSymbols))
	for _, sym := range requiredSymbols {
		status := SymbolStatus{Symbol: sym}
		if def, ok := exports[sym.Name]; ok {
			status.Present = true
			if !slices.Equal(def.ParamTypes(), sym.Params) || !slices.Equal(def.ResultTypes(), sym.Results) {
				status.Mismatch = fmt.Sprintf("want %s got %s",
					signature(sym.Params, sym.Results), signature(def.ParamTypes(), def.ResultTypes()))
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// checkSymbols fails with ErrMissingSymbols naming every missing or
// mismatched export.
func checkSymbols(compiled wazero.CompiledModule) error {
	var problems []string
	for _, status := range inspectSymbols(compiled) {
		switch {
		case !status.Present:
			problems = append(problems, status.Name)
		case status.Mismatch != "":
			problems = append(problems, status.Name+" ("+status.Mismatch+")")
		}
	}
	if _, ok := compiled.ExportedMemories()[memoryExport]; !ok {
		problems = append(problems, memoryExport)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSymbols, strings.Join(problems, ", "))
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	names := func(types []api.ValueType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ",")
	}
	return "(" + names(params) + ")->(" + names(results) + ")"
}
