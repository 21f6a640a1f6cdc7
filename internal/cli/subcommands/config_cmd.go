package subcommands

import (
	"fmt"
	"io"

	"PocketLM/internal/config"
)

// RunConfig displays the effective configuration as YAML.
func RunConfig(w io.Writer, cfg config.Config) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Fprintln(w, "# PocketLM configuration")
	_, err = w.Write(data)
	return err
}
