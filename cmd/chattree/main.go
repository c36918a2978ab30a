package main

import (
	"os"
	"strings"

	"github.com/go-go-golems/chattree/cmd/chattree/cmds"
	"github.com/go-go-golems/chattree/pkg/settings"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chattree",
		Short:        "chattree stores branching chat histories and streams answers into them",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			return setupLogging(logConfigFromViper())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "warn", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Also log to this file, rotated")
	flags.Bool("verbose", false, "Verbose output")
	flags.String("config", "", "Path to config file (default ~/.chattree/config.yaml)")

	flags.String("store-engine", settings.EngineSQLite, "Store engine (memory, sqlite, pebble)")
	flags.String("store-path", "", "Database file or directory (default in the user config dir)")

	flags.String("provider", settings.ProviderOpenAI, "Provider (openai, echo)")
	flags.String("base-url", "http://localhost:8080/v1", "Base URL of the OpenAI compatible server")
	flags.String("api-key", "", "API key")
	flags.String("model", "", "Model name")
	flags.String("system-prompt", "", "System prompt prepended to every request")
	flags.Float32("temperature", 0, "Sampling temperature (0 uses the server default)")
	flags.Float32("top-p", 0, "Top-p sampling (0 uses the server default)")
	flags.Int("max-tokens", 0, "Maximum tokens to generate (0 uses the server default)")
	flags.Bool("timings-per-token", true, "Ask the server for timings on every chunk")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address while generating")

	rootCmd.AddCommand(
		cmds.NewConversationsCommand(),
		cmds.NewShowCommand(),
		cmds.NewSendCommand(),
		cmds.NewReplaceCommand(),
		cmds.NewBranchCommand(),
		cmds.NewDeleteMessageCommand(),
		cmds.NewExportCommand(),
		cmds.NewImportCommand(),
		cmds.NewMigrateCommand(),
		cmds.NewModelsCommand(),
		cmds.NewCheckCommand(),
		cmds.NewPresetsCommand(),
	)
	return rootCmd
}

// loadConfig layers flags over CHATTREE_* env vars (a .env file included)
// over the config file over defaults.
func loadConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}

	v := viper.GetViper()
	v.SetEnvPrefix("chattree")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	settings.SetDefaults(v)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chattree")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/chattree")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "read config")
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
