//go:build native

package native

/*
#include <stdlib.h>
*/
import "C"
import (
	"strings"
	"unsafe"

	"PocketLM/internal/logging"
)

//export pocketlmLog
func pocketlmLog(level C.int, text *C.char, _ unsafe.Pointer) {
	msg := strings.TrimRight(C.GoString(text), "\n")
	if msg == "" {
		return
	}
	log := logging.With("llama")
	log.WithLevel(logLevel(int(level))).Msg(msg)
}
