package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command>...",
		Short: "Execute a single command and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Host, err)
			}
			defer client.Disconnect()

			resp, err := client.Execute(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			if resp != "" {
				fmt.Println(resp)
			}

			return nil
		},
	}
}
