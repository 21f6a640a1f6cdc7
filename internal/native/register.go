//go:build native

package native

import "PocketLM/internal/runtime"

func init() {
	runtime.Register(BackendName, NewBackend)
}
