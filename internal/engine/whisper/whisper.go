// Package whisper runs whisper.cpp models through the cgo bindings. The
// native implementation is only compiled with the "whisper" build tag; the
// whisper.cpp static library and headers must then be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import "errors"

// ErrUnavailable is returned when the binary was built without whisper.cpp.
var ErrUnavailable = errors.New("whisper: engine not compiled in (build with -tags whisper)")

const defaultLanguage = "en"

type Options struct {
	Language string
}

func (o Options) language() string {
	if o.Language == "" {
		return defaultLanguage
	}
	return o.Language
}
