package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kaichat/internal/cache"
	"kaichat/internal/models"
	"kaichat/internal/storage"
)

var (
	ErrCredentialsRequired = errors.New("username and password are required")
	ErrUserExists          = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidPassword     = errors.New("incorrect password")
)

const (
	anonymousUsername  = "Anonymous"
	untitledSession    = "Untitled Chat"
	sessionListTTL     = 10 * time.Minute
	sessionListKeyBase = "sessions:"
)

// Service handles accounts, sessions and remembered facts on top of the document store.
type Service struct {
	Users    *UserRepository
	Sessions *SessionRepository

	cache    cache.Cache
	log      *zap.Logger
	titleLen int
}

// NewService builds the service. A nil cache disables session-list caching.
func NewService(store storage.Store, c cache.Cache, log *zap.Logger, titleLen int) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if titleLen <= 0 {
		titleLen = 30
	}
	return &Service{
		Users:    NewUserRepository(store),
		Sessions: NewSessionRepository(store),
		cache:    c,
		log:      log.Named("assistant"),
		titleLen: titleLen,
	}
}

// RegisterUser creates an account. The username is trimmed and lowercased.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrCredentialsRequired
	}
	existing, err := s.Users.FindOne(ctx, UserFilter{Username: username})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, created, err := s.Users.CreateUnique(ctx, models.User{
		UserID:   newID("user_"),
		Username: username,
		Password: string(hash),
	}, UserFilter{Username: username})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrUserExists
	}
	s.log.Info("user registered", zap.String("user_id", user.UserID))
	return user, nil
}

// Login validates credentials and returns the user profile. Accounts stored without a password
// accept any password.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrCredentialsRequired
	}
	user, err := s.Users.FindOne(ctx, UserFilter{Username: username})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.Password != "" && !checkPassword(user.Password, password) {
		return nil, ErrInvalidPassword
	}
	return user, nil
}

// Profile returns the user without the password, or nil when unknown.
func (s *Service) Profile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.Users.FindOne(ctx, UserFilter{UserID: userID})
	if err != nil || user == nil {
		return nil, err
	}
	out := user.Clone()
	out.Password = ""
	return out, nil
}

// EnsureUser returns the user, creating an anonymous record for ids never seen before.
func (s *Service) EnsureUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.Users.FindOne(ctx, UserFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	s.log.Debug("creating anonymous user", zap.String("user_id", userID))
	user, _, err = s.Users.CreateUnique(ctx, models.User{UserID: userID, Username: anonymousUsername}, UserFilter{UserID: userID})
	return user, err
}

// ListSessions returns the user's session summaries, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	key := sessionListKeyBase + userID
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var cached []models.SessionSummary
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("session list cache read failed", zap.Error(err))
		}
	}

	sessions, version, err := s.Sessions.listOwned(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = untitledSession
		}
		summaries = append(summaries, models.SessionSummary{
			SessionID:  sess.SessionID,
			Title:      title,
			LastActive: sess.LastActive,
		})
	}

	if s.cache != nil {
		if raw, err := json.Marshal(summaries); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), sessionListTTL); err != nil {
				s.log.Warn("session list cache write failed", zap.Error(err))
			} else if current, err := s.Sessions.version(ctx); err != nil || current != version {
				// a write landed after the listing was read; its invalidation may predate our Set
				s.invalidateSessions(ctx, userID)
			}
		}
	}
	return summaries, nil
}

// SessionMessages returns the messages of a session, empty when it does not exist.
func (s *Service) SessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	sess, err := s.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return []*models.Message{}, nil
	}
	return sess.Messages, nil
}

// LatestHistory returns the messages of the user's most recently active session.
func (s *Service) LatestHistory(ctx context.Context, userID string) ([]*models.Message, error) {
	sessions, err := s.Sessions.FindByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []*models.Message{}, nil
	}
	return sessions[0].Messages, nil
}

// CreateSession opens a new session for the user.
func (s *Service) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	sess, err := s.Sessions.Create(ctx, SessionFields{UserID: userID, Title: title})
	if err != nil {
		return nil, err
	}
	s.invalidateSessions(ctx, userID)
	return sess, nil
}

// FindSession returns the session or nil.
func (s *Service) FindSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.Sessions.FindByID(ctx, sessionID)
}

// AppendExchange records one user message and the model's reply.
func (s *Service) AppendExchange(ctx context.Context, sessionID, message, reply string) (*models.Session, error) {
	sess, err := s.Sessions.AppendExchange(ctx, sessionID, message, reply, s.titleLen)
	if err != nil {
		return nil, err
	}
	s.invalidateSessions(ctx, sess.UserID)
	return sess, nil
}

// RememberFacts unions new facts into the user's profile. Empty input is a no-op.
func (s *Service) RememberFacts(ctx context.Context, userID string, facts []string) (*models.User, error) {
	cleaned := make([]string, 0, len(facts))
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	user, err := s.Users.UpdateOne(ctx, userID, UserUpdate{AddToSetFacts: cleaned})
	if err != nil {
		return nil, err
	}
	s.log.Debug("facts remembered", zap.String("user_id", userID), zap.Int("count", len(cleaned)))
	return user, nil
}

// ResetMemory deletes every session of the user and clears their facts.
func (s *Service) ResetMemory(ctx context.Context, userID string) error {
	removed, err := s.Sessions.DeleteByOwner(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.Users.UpdateOne(ctx, userID, UserUpdate{Set: map[string]interface{}{"facts": []string{}}}); err != nil {
		return err
	}
	s.invalidateSessions(ctx, userID)
	s.log.Info("memory wiped", zap.String("user_id", userID), zap.Int("sessions", removed))
	return nil
}

func (s *Service) invalidateSessions(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, sessionListKeyBase+userID); err != nil {
		s.log.Warn("session list cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// checkPassword accepts bcrypt hashes and, for records written before hashing, plaintext.
func checkPassword(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return stored == given
}
