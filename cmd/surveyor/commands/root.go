// Package commands implements the CLI commands for surveyor.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "surveyor",
	Short: "Resilient query execution against search engines, AI assistants, and data APIs",
	Long: `Surveyor runs ordered batches of natural-language queries ("studies")
against external surfaces and records every answer. Runs survive blocks,
CAPTCHAs, and crashes: egress identities rotate on failure, progress is
checkpointed, and interrupted studies resume where they stopped.

Examples:
  # Run a study against an AI assistant
  surveyor run -f queries.txt --study pricing-2026q3 --surface openai

  # Drive a search engine through proxied browser sessions
  surveyor run -f queries.txt --study serp-us --surface google \
      --identities proxies.yaml --location US

  # Resume after a crash (default) or force a clean start
  surveyor run -f queries.txt --study serp-us --surface google --fresh

  # Inspect archived results
  surveyor results --archive results.db --study serp-us --failed`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.surveyor.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "only log errors")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".surveyor")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SURVEYOR")
	viper.AutomaticEnv()

	// Common provider/solver env vars work without the SURVEYOR prefix.
	_ = viper.BindEnv("api_key", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
	_ = viper.BindEnv("captcha_api_key", "TWOCAPTCHA_API_KEY")

	_ = viper.ReadInConfig()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
