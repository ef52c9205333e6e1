package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gorcon/internal/config"
)

// ErrConfigExists indicates config init would overwrite an existing file.
var ErrConfigExists = errors.New("config file already exists")

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	cmd.AddCommand(configInitCmd())

	return cmd
}

func configInitCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s: %w", out, ErrConfigExists)
			}

			raw, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("marshal default config: %w", err)
			}

			if err := os.WriteFile(out, raw, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Println("wrote", out)

			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "rconctl.yaml", "output path")

	return cmd
}
