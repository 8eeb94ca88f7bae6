package quiccmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/klzgrad/naiveproxy-sub075/caddyconfig/quicconfig"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

func init() {
	RegisterCommand(Command{
		Name:  "run",
		Usage: "--config <path> [--adapter <name>]",
		Short: "Loads a config and runs the engine until interrupted",
		Long: `Loads the config at --config, adapting it with --adapter if the
file isn't already quiccore JSON, and runs it until the process receives
an interrupt signal.

If --adapter is omitted, the adapter is guessed from the config file's
extension (".toml" selects the "toml" adapter).`,
		Flags: configFlags(),
		Func:  cmdRun,
	})

	RegisterCommand(Command{
		Name:  "validate-config",
		Usage: "--config <path> [--adapter <name>]",
		Short: "Validates a config file without running it",
		Flags: configFlags(),
		Func:  cmdValidateConfig,
	})

	RegisterCommand(Command{
		Name:  "version",
		Usage: "",
		Short: "Prints the version",
		Func:  cmdVersion,
	})
}

func configFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file to use")
	fs.StringP("adapter", "a", "", "Name of config adapter to apply")
	return fs
}

func guessAdapter(configFile, adapterName string) string {
	if adapterName != "" {
		return adapterName
	}
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".toml":
		return "toml"
	default:
		return ""
	}
}

func loadConfig(fl Flags) ([]byte, error) {
	configFile := fl.String("config")
	adapterName := fl.String("adapter")
	if configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}

	body, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	adapterName = guessAdapter(configFile, adapterName)
	if adapterName == "" {
		if err := json.Unmarshal(body, new(any)); err != nil {
			return nil, fmt.Errorf("config is not valid JSON and no adapter was specified: %w", err)
		}
		return body, nil
	}

	adapter := quicconfig.GetAdapter(adapterName)
	if adapter == nil {
		return nil, fmt.Errorf("unrecognized config adapter: %s", adapterName)
	}

	adapted, warnings, err := adapter.Adapt(body, map[string]any{"filename": configFile})
	if err != nil {
		return nil, fmt.Errorf("adapting config with %s: %w", adapterName, err)
	}
	for _, w := range warnings {
		quiccore.Log().Sugar().Warnf("%s: %s", adapterName, w.String())
	}
	return adapted, nil
}

func cmdRun(fl Flags) (int, error) {
	configJSON, err := loadConfig(fl)
	if err != nil {
		return 1, err
	}

	var cfg quiccore.Config
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return 1, fmt.Errorf("parsing config: %w", err)
	}

	if err := quiccore.Run(&cfg); err != nil {
		return 1, fmt.Errorf("running: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := quiccore.Stop(); err != nil {
		return 1, fmt.Errorf("stopping: %w", err)
	}
	return 0, nil
}

func cmdValidateConfig(fl Flags) (int, error) {
	configJSON, err := loadConfig(fl)
	if err != nil {
		return 1, err
	}

	var cfg quiccore.Config
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return 1, fmt.Errorf("parsing config: %w", err)
	}

	if err := quiccore.Validate(&cfg); err != nil {
		return 1, fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Println("Valid configuration")
	return 0, nil
}

func cmdVersion(_ Flags) (int, error) {
	_, full := quiccore.Version()
	fmt.Println(full)
	return 0, nil
}
