package assistant

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaichat/internal/cache"
	"kaichat/internal/models"
	"kaichat/internal/storage"
)

// stepClock returns strictly increasing times so lastActive ordering is deterministic.
func stepClock() func() time.Time {
	t := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSessionTitle, sess.Title)
	assert.True(t, strings.HasPrefix(sess.SessionID, "sess_"))
	assert.Empty(t, sess.Messages)

	_, err = svc.Sessions.Create(ctx, SessionFields{SessionID: sess.SessionID, UserID: "u1"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestAppendExchangeTitleRule(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "u1", models.DefaultSessionTitle)
	require.NoError(t, err)

	long := "Tell me everything about the history of tea in Japan"
	updated, err := svc.AppendExchange(ctx, sess.SessionID, long, "Sure!")
	require.NoError(t, err)
	assert.Equal(t, "Tell me everything about the h...", updated.Title)
	require.Len(t, updated.Messages, 2)
	assert.Equal(t, models.RoleUser, updated.Messages[0].Role)
	assert.Equal(t, models.RoleModel, updated.Messages[1].Role)

	updated, err = svc.AppendExchange(ctx, sess.SessionID, "second", "ok")
	require.NoError(t, err)
	assert.Equal(t, "Tell me everything about the h...", updated.Title)
	assert.Len(t, updated.Messages, 4)

	custom, err := svc.CreateSession(ctx, "u1", "Plans")
	require.NoError(t, err)
	updated, err = svc.AppendExchange(ctx, custom.SessionID, "hello", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Plans", updated.Title)

	_, err = svc.AppendExchange(ctx, "sess_missing", "hello", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	sess, err := svc.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	a, err := svc.Sessions.FindByID(ctx, sess.SessionID)
	require.NoError(t, err)
	b, err := svc.Sessions.FindByID(ctx, sess.SessionID)
	require.NoError(t, err)

	a = a.Clone()
	a.Title = "first"
	require.NoError(t, svc.Sessions.Save(ctx, a))

	b = b.Clone()
	b.Title = "second"
	assert.ErrorIs(t, svc.Sessions.Save(ctx, b), ErrSessionConflict)

	stored, err := svc.Sessions.FindByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Title)

	assert.ErrorIs(t, svc.Sessions.Save(ctx, &models.Session{SessionID: "sess_nope"}), ErrSessionNotFound)
}

func TestListSessionsOrderAndCache(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	svc.Sessions.now = stepClock()

	first, err := svc.CreateSession(ctx, "u1", "first")
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "u2", "other")
	require.NoError(t, err)

	list, err := svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.SessionID, list[0].SessionID)

	_, err = svc.AppendExchange(ctx, first.SessionID, "bump", "ok")
	require.NoError(t, err)

	list, err = svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.SessionID, list[0].SessionID, "append must invalidate cached listing")
}

func TestListSessionsUntitledFallback(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.Update(ctx, func(doc *models.Document) error {
		doc.Sessions = append(doc.Sessions, &models.Session{SessionID: "s1", UserID: "u1"})
		return nil
	}))

	list, err := svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Untitled Chat", list[0].Title)
}

func TestLatestHistoryAndSessionMessages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	svc.Sessions.now = stepClock()

	empty, err := svc.LatestHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	old, err := svc.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = svc.AppendExchange(ctx, old.SessionID, "old", "old reply")
	require.NoError(t, err)
	recent, err := svc.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = svc.AppendExchange(ctx, recent.SessionID, "new", "new reply")
	require.NoError(t, err)

	history, err := svc.LatestHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "new", history[0].Content)

	msgs, err := svc.SessionMessages(ctx, old.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "old", msgs[0].Content)

	msgs, err = svc.SessionMessages(ctx, "sess_missing")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestResetMemory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.EnsureUser(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.RememberFacts(ctx, "u1", []string{"likes tea"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := svc.CreateSession(ctx, "u1", "")
		require.NoError(t, err)
	}
	keep, err := svc.CreateSession(ctx, "u2", "")
	require.NoError(t, err)
	_, err = svc.ListSessions(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, svc.ResetMemory(ctx, "u1"))

	list, err := svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
	u, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.Facts)

	other, err := svc.FindSession(ctx, keep.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, other)

	n, err := svc.Sessions.DeleteByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// interleavedStore runs hook once, right after the next Read returns.
type interleavedStore struct {
	storage.Store
	mu   sync.Mutex
	hook func()
}

func (s *interleavedStore) Read(ctx context.Context) (*models.Document, error) {
	doc, err := s.Store.Read(ctx)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return doc, err
}

func (s *interleavedStore) arm(hook func()) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func TestListSessionsDropsListingRacedByWrite(t *testing.T) {
	ctx := context.Background()
	store := &interleavedStore{Store: storage.NewFileStore(filepath.Join(t.TempDir(), "database.json"))}
	svc := NewService(store, cache.NewMemory(time.Minute), nil, 30)
	svc.Sessions.now = stepClock()

	first, err := svc.CreateSession(ctx, "u1", "first")
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, "u1", "second")
	require.NoError(t, err)

	// the exchange lands between reading the listing and caching it
	store.arm(func() {
		_, err := svc.AppendExchange(ctx, first.SessionID, "bump", "ok")
		assert.NoError(t, err)
	})
	stale, err := svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, second.SessionID, stale[0].SessionID)

	fresh, err := svc.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, first.SessionID, fresh[0].SessionID, "raced listing must not stay cached")
}
