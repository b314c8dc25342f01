package assistant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kaichat/internal/models"
	"kaichat/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("session modified concurrently")
	ErrSessionExists   = errors.New("session id already in use")
)

// SessionFields are the caller-settable fields of a new session.
type SessionFields struct {
	SessionID string
	UserID    string
	Title     string
}

// SessionRepository stores chat sessions inside the shared document.
type SessionRepository struct {
	store storage.Store
	now   func() time.Time
}

func NewSessionRepository(store storage.Store) *SessionRepository {
	return &SessionRepository{store: store, now: time.Now}
}

// FindByID returns the session or nil.
func (r *SessionRepository) FindByID(ctx context.Context, sessionID string) (*models.Session, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if _, s := findSession(doc, sessionID); s != nil {
		return s, nil
	}
	return nil, nil
}

// FindByOwner returns the user's sessions, most recently active first.
func (r *SessionRepository) FindByOwner(ctx context.Context, userID string) ([]*models.Session, error) {
	sessions, _, err := r.listOwned(ctx, userID)
	return sessions, err
}

// listOwned is FindByOwner plus the version of the document the listing was read from.
func (r *SessionRepository) listOwned(ctx context.Context, userID string) ([]*models.Session, int64, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	var out []*models.Session
	for _, s := range doc.Sessions {
		if s != nil && s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out, doc.Version, nil
}

func (r *SessionRepository) version(ctx context.Context) (int64, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// Create persists a new session, generating its id when none is given.
func (r *SessionRepository) Create(ctx context.Context, fields SessionFields) (*models.Session, error) {
	session := &models.Session{
		SessionID:  fields.SessionID,
		UserID:     fields.UserID,
		Title:      fields.Title,
		Messages:   []*models.Message{},
		LastActive: r.now().UTC(),
	}
	if session.SessionID == "" {
		session.SessionID = newID("sess_")
	}
	if session.Title == "" {
		session.Title = models.DefaultSessionTitle
	}

	err := r.store.Update(ctx, func(doc *models.Document) error {
		if _, existing := findSession(doc, session.SessionID); existing != nil {
			return ErrSessionExists
		}
		doc.Sessions = append(doc.Sessions, session.Clone())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Save replaces the stored session with s. The write is rejected with ErrSessionConflict when
// the stored copy was saved by someone else after s was read.
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	next := s.Clone()
	next.Revision++
	err := r.store.Update(ctx, func(doc *models.Document) error {
		i, current := findSession(doc, s.SessionID)
		if current == nil {
			return ErrSessionNotFound
		}
		if current.Revision != s.Revision {
			return ErrSessionConflict
		}
		doc.Sessions[i] = next
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.SessionID, err)
	}
	s.Revision = next.Revision
	return nil
}

// AppendExchange atomically appends one user message and its reply. On the first exchange of
// a session still carrying the default title, the title becomes a preview of the message.
func (r *SessionRepository) AppendExchange(ctx context.Context, sessionID, message, reply string, titleLen int) (*models.Session, error) {
	var updated *models.Session
	err := r.store.Update(ctx, func(doc *models.Document) error {
		_, s := findSession(doc, sessionID)
		if s == nil {
			return ErrSessionNotFound
		}
		now := r.now().UTC()
		s.Messages = append(s.Messages,
			&models.Message{Role: models.RoleUser, Content: message, Timestamp: now},
			&models.Message{Role: models.RoleModel, Content: reply, Timestamp: now},
		)
		s.LastActive = now
		if len(s.Messages) <= 2 && s.Title == models.DefaultSessionTitle {
			s.Title = models.TitleFrom(message, titleLen) + "..."
		}
		s.Revision++
		updated = s.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append exchange: %w", err)
	}
	return updated, nil
}

// DeleteByOwner removes every session of the user in one rewrite and reports how many went.
func (r *SessionRepository) DeleteByOwner(ctx context.Context, userID string) (int, error) {
	removed := 0
	err := r.store.Update(ctx, func(doc *models.Document) error {
		removed = 0
		kept := doc.Sessions[:0]
		for _, s := range doc.Sessions {
			if s != nil && s.UserID == userID {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		doc.Sessions = kept
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return removed, nil
}

func findSession(doc *models.Document, sessionID string) (int, *models.Session) {
	for i, s := range doc.Sessions {
		if s != nil && s.SessionID == sessionID {
			return i, s
		}
	}
	return -1, nil
}
