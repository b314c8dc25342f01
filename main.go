package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kaichat/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kaichat",
	Short: "Kai companion chatbot backend",
	Long:  "HTTP backend for the Kai chatbot: accounts, chat sessions and long-term user facts.",
	// a bare invocation starts the server
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $KAICHAT_CONFIG or ./config.json)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
