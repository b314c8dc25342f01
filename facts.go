package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kaichat/internal/cache"
	"kaichat/internal/service/assistant"
	"kaichat/internal/storage"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "facts <userId>",
		Short: "Print the facts remembered about a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runFacts,
	})
}

func runFacts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	svc := assistant.NewService(store, cache.NewMemory(time.Minute), nil, cfg.Chat.TitleLength)
	user, err := svc.Profile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s not found", args[0])
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(user.Facts)
}
