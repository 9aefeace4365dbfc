package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/ollagram/internal/config"
)

var version = "dev" // set at build time with -ldflags "-X main.version=..."

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var envFile string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Relay Telegram chats to the Ollama server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, v)
		},
	}

	rootCmd := &cobra.Command{
		Use:   "ollagram",
		Short: "Telegram bot that chats through a local Ollama server",
		Long: `ollagram long-polls Telegram, keeps one conversation per chat and
answers with the chat's selected Ollama model. Running it without a
subcommand is the same as "ollagram run".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
		RunE: runCmd.RunE,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("log-level", "", "log level (debug|info|warn|error) [default: info]")
	flags.String("log-format", "", "log encoding (json|console) [default: json]")
	flags.String("db", "", "event journal path; empty disables the journal")
	for key, name := range map[string]string{
		config.KeyLogLevel:  "log-level",
		config.KeyLogFormat: "log-format",
		config.KeyDBPath:    "db",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newEventsCmd(v))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ollagram %s\n", version)
		},
	})
	return rootCmd
}
