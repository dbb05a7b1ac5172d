//go:build tinygo || wasm

// Counter is a toy recognition engine for exercising the stt_* ABI end to
// end. It "recognizes" by counting voiced samples.
//
// Build with:
//
//	tinygo build -buildmode=c-shared -target=wasip1 -o engines/examples/counter/counter.wasm ./engines/examples/counter
package main

import (
	"fmt"
	"os"
	"unsafe"
)

type stream struct {
	samples int
	voiced  int
}

var (
	// buffers keeps host-requested allocations and returned strings alive
	// until the host frees them.
	buffers = map[uintptr][]byte{}
	models  = map[uint32]string{}
	streams = map[uint32]*stream{}
	nextID  uint32
)

func main() {}

func id() uint32 {
	nextID++
	return nextID
}

func alloc(size uint32) uintptr {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	buffers[ptr] = buf
	return ptr
}

func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var out []byte
	for p := ptr; ; p++ {
		b := *(*byte)(unsafe.Pointer(p))
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

func newString(s string) uintptr {
	ptr := alloc(uint32(len(s) + 1))
	buf := buffers[ptr]
	copy(buf, s)
	buf[len(s)] = 0
	return ptr
}

func hostLog(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLogImport(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLogImport(ptr unsafe.Pointer, length uint32)

//export stt_alloc
func sttAlloc(size uint32) uint32 { return uint32(alloc(size)) }

//export stt_dealloc
func sttDealloc(ptr, _ uint32) { delete(buffers, uintptr(ptr)) }

//export stt_create_model
func sttCreateModel(pathPtr uint32) uint32 {
	path := cString(uintptr(pathPtr))
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			hostLog("model not readable: " + err.Error())
			return 0
		}
	}
	handle := id()
	models[handle] = path
	hostLog("model loaded: " + path)
	return handle
}

//export stt_enable_external_scorer
func sttEnableScorer(model, pathPtr uint32) int32 {
	if _, ok := models[model]; !ok {
		return -1
	}
	hostLog("scorer ignored: " + cString(uintptr(pathPtr)))
	return 0
}

//export stt_free_model
func sttFreeModel(model uint32) { delete(models, model) }

//export stt_create_stream
func sttCreateStream(model uint32) uint32 {
	if _, ok := models[model]; !ok {
		return 0
	}
	handle := id()
	streams[handle] = &stream{}
	return handle
}

//export stt_free_stream
func sttFreeStream(handle uint32) { delete(streams, handle) }

//export stt_feed_audio_content
func sttFeed(handle, ptr, count uint32) int32 {
	s, ok := streams[handle]
	if !ok {
		return -1
	}
	samples := unsafe.Slice((*int16)(unsafe.Pointer(uintptr(ptr))), count)
	for _, v := range samples {
		if v > 512 || v < -512 {
			s.voiced++
		}
	}
	s.samples += int(count)
	return 0
}

//export stt_intermediate_decode
func sttIntermediate(handle uint32) uint32 {
	s, ok := streams[handle]
	if !ok {
		return 0
	}
	return uint32(newString(transcript(s, false)))
}

//export stt_finish_stream
func sttFinish(handle uint32) uint32 {
	s, ok := streams[handle]
	if !ok {
		return 0
	}
	delete(streams, handle)
	return uint32(newString(transcript(s, true)))
}

//export stt_free_string
func sttFreeString(ptr uint32) { delete(buffers, uintptr(ptr)) }

func transcript(s *stream, final bool) string {
	if final {
		return fmt.Sprintf("heard %d voiced of %d samples", s.voiced, s.samples)
	}
	return fmt.Sprintf("hearing %d", s.voiced)
}
