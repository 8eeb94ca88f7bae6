package quiccmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CommandFunc is the action a Command performs; its exit code tells Main
// how to exit the process, matching the convention a cobra RunE wraps.
type CommandFunc func(fl Flags) (int, error)

// Command describes one subcommand of the quiccore CLI.
type Command struct {
	Name      string
	Usage     string
	Short     string
	Long      string
	Flags     *pflag.FlagSet
	Func      CommandFunc
	CobraFunc func(cmd *cobra.Command)
}

var commands = make(map[string]Command)

// RegisterCommand registers cmd under cmd.Name, so it's picked up by the
// root command the next time Main builds it. It panics on duplicate names.
func RegisterCommand(cmd Command) {
	if cmd.Name == "" {
		panic("command name must not be empty")
	}
	if _, ok := commands[cmd.Name]; ok {
		panic(fmt.Sprintf("command already registered: %s", cmd.Name))
	}
	commands[cmd.Name] = cmd
}

// Commands returns the registered commands.
func Commands() map[string]Command { return commands }

// Flags wraps a FlagSet so typed values can be retrieved by name.
type Flags struct {
	*pflag.FlagSet
}

func (f Flags) String(name string) string {
	return f.FlagSet.Lookup(name).Value.String()
}
