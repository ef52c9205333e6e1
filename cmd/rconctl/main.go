// Command rconctl is a command-line front end for the gorcon client
// library: one-shot command execution, an interactive shell, and a
// BattlEye server-message monitor.
package main

import "github.com/dantte-lp/gorcon/cmd/rconctl/commands"

func main() {
	commands.Execute()
}
