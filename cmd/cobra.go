package quiccmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

var defaultFactory = NewRootCommandFactory(func() *cobra.Command {
	return &cobra.Command{
		Use: "quiccore",
		Long: `quiccore operates a QUIC connection engine standalone, outside of
whatever process embeds the modules/quicengine package in production.

	- 'quiccore run' loads a config and runs until interrupted.
	- 'quiccore validate-config' checks a config file without running it.
	- 'quiccore version' prints the build version.

This is useful for fuzzing, property tests, and manual experimentation
against the engine without a host application.`,
		Example: `  $ quiccore run --config quic.toml
  $ quiccore validate-config --config quic.toml
  $ quiccore version`,
		SilenceUsage: true,
		Version:      onlyVersionText(),
	}
})

func init() {
	defaultFactory.Use(func(rootCmd *cobra.Command) {
		rootCmd.SetVersionTemplate("{{.Version}}\n")
	})
}

func onlyVersionText() string {
	_, f := quiccore.Version()
	return f
}

func commandToCobra(cmd Command) *cobra.Command {
	c := &cobra.Command{
		Use:   cmd.Name + " " + cmd.Usage,
		Short: cmd.Short,
		Long:  cmd.Long,
	}
	if cmd.CobraFunc != nil {
		cmd.CobraFunc(c)
	} else {
		c.RunE = WrapCommandFuncForCobra(cmd.Func)
		if cmd.Flags != nil {
			c.Flags().AddFlagSet(cmd.Flags)
		}
	}
	return c
}

// WrapCommandFuncForCobra wraps a CommandFunc for use in a cobra command's
// RunE field.
func WrapCommandFuncForCobra(f CommandFunc) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		status, err := f(Flags{cmd.Flags()})
		if status > 1 {
			cmd.SilenceErrors = true
			return &exitError{ExitCode: status, Err: err}
		}
		return err
	}
}

// exitError carries the exit code from a CommandFunc to Main.
type exitError struct {
	ExitCode int
	Err      error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exiting with status %d", e.ExitCode)
	}
	return e.Err.Error()
}
