//go:build native

package native

/*
#cgo CFLAGS: -I${SRCDIR}/../../llama.cpp/include -I${SRCDIR}/../../llama.cpp/ggml/include -O2
#cgo LDFLAGS: -L${SRCDIR}/../../llama.cpp/build/src -L${SRCDIR}/../../llama.cpp/build/ggml/src -lllama -lggml -lggml-cpu -lggml-base -lm -lstdc++ -lpthread -lgomp
#include <stdlib.h>
#include "llama.h"

extern void pocketlmLog(int level, char *text, void *user);

static void pocketlm_log_trampoline(enum ggml_log_level level, const char *text, void *user) {
	pocketlmLog((int)level, (char *)text, user);
}

static void pocketlm_log_install(void) {
	llama_log_set(pocketlm_log_trampoline, NULL);
}
*/
import "C"
import (
	"sync"
)

var initOnce sync.Once

// backendInit initializes llama.cpp and routes its log output into zerolog.
func backendInit() {
	initOnce.Do(func() {
		C.pocketlm_log_install()
		C.llama_backend_init()
	})
}

// systemInfo describes the CPU features llama.cpp was built with.
func systemInfo() string {
	return C.GoString(C.llama_print_system_info())
}
