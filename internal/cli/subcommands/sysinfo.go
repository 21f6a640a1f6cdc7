package subcommands

import (
	"fmt"
	"io"
	goruntime "runtime"
	"strings"

	"PocketLM/internal/config"
	"PocketLM/internal/runtime"
)

// RunSysinfo prints the registered backends and, when the configured model
// loads, the backend's system info.
func RunSysinfo(w io.Writer, cfg config.Config, registry runtime.Registry) error {
	fmt.Fprintf(w, "Go:        %s %s/%s, %d CPUs\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH, goruntime.NumCPU())
	fmt.Fprintf(w, "Backends:  %s\n", strings.Join(registry.Names(), ", "))
	fmt.Fprintf(w, "Selected:  %s\n", cfg.Runtime.Backend)

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		fmt.Fprintf(w, "Model:     %sunavailable: %v%s\n", colorYellow, err, colorReset)
		return nil
	}
	defer mgr.Close()

	info := mgr.Info()
	fmt.Fprintf(w, "Model:     %s (%.2f GiB, %.2fB params, n_ctx_train %d)\n",
		info.Model.Description, float64(info.Model.SizeBytes)/(1<<30), float64(info.Model.Params)/1e9, info.Model.NCtxTrain)
	fmt.Fprintf(w, "Context:   %d tokens, batch %d, decode policy %s\n", info.ContextSize, info.BatchSize, info.DecodePolicy)
	fmt.Fprintf(w, "Stops:     %s\n", strings.Join(quoteAll(info.StopStrings), " "))
	fmt.Fprintf(w, "System:    %s\n", info.SystemInfo)
	return nil
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
