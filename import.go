package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kaichat/internal/storage"
)

var (
	importFrom     string
	importToDriver string
	importToDSN    string
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy a JSON database file into a SQL store",
		Long:  "Import reads a legacy database.json document and replaces the document held by the target SQL store.",
		RunE:  runImport,
	}
	cmd.Flags().StringVar(&importFrom, "from", "", "Path of the JSON database file")
	cmd.Flags().StringVar(&importToDriver, "to-driver", "sqlite3", "Target driver: sqlite3 or mysql")
	cmd.Flags().StringVar(&importToDSN, "to-dsn", "", "Target DSN (default: storage settings from config)")
	_ = cmd.MarkFlagRequired("from")

	rootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	dsn := importToDSN
	if dsn == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dsn = cfg.Storage.DSN
		if dsn == "" && importToDriver == "sqlite3" {
			dsn = cfg.Storage.Path
		}
	}

	src := storage.NewFileStore(importFrom)
	defer src.Close()
	dst, err := storage.OpenSQL(importToDriver, dsn)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	defer dst.Close()

	doc, err := storage.Import(cmd.Context(), src, dst)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"users":%d,"sessions":%d}`+"\n", len(doc.Users), len(doc.Sessions))
	return nil
}
