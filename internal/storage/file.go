package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kaichat/internal/models"
)

// FileStore keeps the document in a single JSON file that is fully rewritten on every write.
// Writers inside one process are serialized; separate processes are only protected by the
// version check.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first access.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path reports the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Read(ctx context.Context) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStore) Write(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("document is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc)
}

// Update holds the store lock across the whole cycle, so in-process callers never conflict.
func (s *FileStore) Update(ctx context.Context, fn func(doc *models.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(ctx, lockedFile{s}, fn)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked() (*models.Document, error) {
	if err := s.initLocked(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc := models.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", s.path, err)
	}
	doc.Normalize()
	return doc, nil
}

func (s *FileStore) writeLocked(doc *models.Document) error {
	current, err := s.readLocked()
	if err != nil {
		return err
	}
	if current.Version != doc.Version {
		return ErrVersionConflict
	}
	doc.Version++
	doc.Normalize()
	if err := s.replace(doc); err != nil {
		doc.Version--
		return err
	}
	return nil
}

// initLocked creates an empty document when the file does not exist yet.
func (s *FileStore) initLocked() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat document: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create document dir: %w", err)
		}
	}
	return s.replace(models.NewDocument())
}

// replace writes to a sibling temp file and renames it over the document.
func (s *FileStore) replace(doc *models.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// lockedFile exposes the lock-free paths to the shared update loop while Update holds the lock.
type lockedFile struct{ s *FileStore }

func (l lockedFile) Read(ctx context.Context) (*models.Document, error) { return l.s.readLocked() }
func (l lockedFile) Write(ctx context.Context, doc *models.Document) error {
	return l.s.writeLocked(doc)
}
func (l lockedFile) Update(ctx context.Context, fn func(doc *models.Document) error) error {
	return update(ctx, l, fn)
}
func (l lockedFile) Close() error { return nil }
