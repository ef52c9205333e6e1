package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive RCON shell",
		Long: "Connects once and sends each input line to the server as a command.\n" +
			"Type 'exit' or 'quit' to leave.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Host, err)
			}
			defer client.Disconnect()

			fmt.Printf("Connected to %s (%s). Type 'exit' to quit.\n", cfg.Host, cfg.Protocol)
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("rcon> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line != "":
					if !client.IsAuthenticated() {
						return fmt.Errorf("session lost (state %s)", client.State())
					}

					resp, err := client.Execute(ctx, line)
					if err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					} else if resp != "" {
						fmt.Println(resp)
					}
				}

				fmt.Print("rcon> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}
