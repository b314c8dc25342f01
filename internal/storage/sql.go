package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"kaichat/internal/models"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// documentRowID is the single row holding the document.
const documentRowID = 1

// SQLStore keeps the document as one versioned row. Writes are compare-and-swap on the version
// column inside a transaction.
type SQLStore struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// OpenSQL connects to the database, migrates it and seeds the document row.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := OpenDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLStore{db: db, driver: normalizeDriver(driver)}
	if err := s.seed(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB connects to the database with the given driver.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn must be provided", driver)
	}
	var (
		db  *sql.DB
		err error
	)
	switch normalizeDriver(driver) {
	case "sqlite3":
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// a single connection keeps ":memory:" databases shared and serializes sqlite writers
		db.SetMaxOpenConns(1)
	case "mysql":
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the documents table is present.
func Migrate(db *sql.DB, driver string) error {
	var stmt string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmt = `CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`
	case "mysql":
		stmt = `CREATE TABLE IF NOT EXISTS documents (
			id BIGINT UNSIGNED NOT NULL,
			version BIGINT NOT NULL,
			body LONGTEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("migrate (%s): %w", driver, err)
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(driver)
	}
}

func (s *SQLStore) seed(ctx context.Context) error {
	body, err := json.Marshal(models.NewDocument())
	if err != nil {
		return fmt.Errorf("encode empty document: %w", err)
	}
	insert := `INSERT OR IGNORE INTO documents (id, version, body, updated_at) VALUES (?, 0, ?, ?)`
	if s.driver == "mysql" {
		insert = `INSERT IGNORE INTO documents (id, version, body, updated_at) VALUES (?, 0, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, insert, documentRowID, string(body), time.Now().UTC()); err != nil {
		return fmt.Errorf("seed document: %w", err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context) (*models.Document, error) {
	var (
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body FROM documents WHERE id = ?`, documentRowID,
	).Scan(&version, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document row missing: %w", err)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc := models.NewDocument()
	if err := json.Unmarshal([]byte(body), doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc.Version = version
	doc.Normalize()
	return doc, nil
}

func (s *SQLStore) Write(ctx context.Context, doc *models.Document) (err error) {
	if doc == nil {
		return errors.New("document is nil")
	}
	next := doc.Version + 1
	doc.Normalize()
	snapshot := *doc
	snapshot.Version = next
	body, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET version = ?, body = ?, updated_at = ? WHERE id = ? AND version = ?`,
		next, string(body), time.Now().UTC(), documentRowID, doc.Version,
	)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrVersionConflict
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	doc.Version = next
	return nil
}

// Update serializes in-process writers; other processes are handled by the version check.
func (s *SQLStore) Update(ctx context.Context, fn func(doc *models.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(ctx, s, fn)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}
