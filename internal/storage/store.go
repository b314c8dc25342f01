package storage

import (
	"context"
	"errors"
	"fmt"

	"kaichat/internal/config"
	"kaichat/internal/models"
)

// ErrVersionConflict is returned by Write when the stored document changed since it was read.
var ErrVersionConflict = errors.New("document version conflict")

const maxUpdateAttempts = 5

// Store persists the whole document. Reads return a private copy; writes replace everything.
type Store interface {
	Read(ctx context.Context) (*models.Document, error)
	Write(ctx context.Context, doc *models.Document) error
	Update(ctx context.Context, fn func(doc *models.Document) error) error
	Close() error
}

// Open builds the store selected by the storage config.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "file":
		return NewFileStore(cfg.Storage.Path), nil
	case "sqlite3":
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = cfg.Storage.Path
		}
		return OpenSQL("sqlite3", dsn)
	case "mysql":
		return OpenSQL("mysql", cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Storage.Driver)
	}
}

// update runs a read-modify-write cycle, retrying when another writer got there first.
func update(ctx context.Context, s Store, fn func(doc *models.Document) error) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		var doc *models.Document
		doc, err = s.Read(ctx)
		if err != nil {
			return err
		}
		if err = fn(doc); err != nil {
			return err
		}
		err = s.Write(ctx, doc)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("update after %d attempts: %w", maxUpdateAttempts, err)
}

// Import copies the document held by src into dst, replacing whatever dst held.
func Import(ctx context.Context, src, dst Store) (*models.Document, error) {
	doc, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	err = dst.Update(ctx, func(target *models.Document) error {
		target.Users = doc.Users
		target.Sessions = doc.Sessions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write target: %w", err)
	}
	return doc, nil
}
