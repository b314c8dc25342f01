package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaichat/internal/cache"
	"kaichat/internal/models"
	"kaichat/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "database.json"))
	return NewService(store, cache.NewMemory(time.Minute), nil, 30), store
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	user, err := svc.RegisterUser(ctx, "  Alice ", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Regexp(t, `^user_[0-9a-z]{26}$`, user.UserID)
	assert.NotEqual(t, "pw", user.Password)
	assert.Equal(t, []string{}, user.Facts)

	_, err = svc.RegisterUser(ctx, "ALICE", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = svc.RegisterUser(ctx, "bob", "")
	assert.ErrorIs(t, err, ErrCredentialsRequired)

	got, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, user.UserID, got.UserID)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = svc.Login(ctx, "nobody", "pw")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLoginLegacyPasswords(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.Update(ctx, func(doc *models.Document) error {
		doc.Users = append(doc.Users,
			&models.User{UserID: "user_plain", Username: "plain", Password: "secret"},
			&models.User{UserID: "user_open", Username: "open"},
		)
		return nil
	}))

	_, err := svc.Login(ctx, "plain", "secret")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "plain", "nope")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	u, err := svc.Login(ctx, "open", "anything")
	require.NoError(t, err)
	assert.Equal(t, "user_open", u.UserID)
}

func TestProfileStripsPassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user, err := svc.RegisterUser(ctx, "carol", "pw")
	require.NoError(t, err)

	profile, err := svc.Profile(ctx, user.UserID)
	require.NoError(t, err)
	assert.Empty(t, profile.Password)

	missing, err := svc.Profile(ctx, "user_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEnsureUserCreatesAnonymous(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	u, err := svc.EnsureUser(ctx, "user_x")
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", u.Username)

	again, err := svc.EnsureUser(ctx, "user_x")
	require.NoError(t, err)
	assert.True(t, u.CreatedAt.Equal(again.CreatedAt))
}

func TestUpdateOneAddToSetAndSet(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.EnsureUser(ctx, "u1")
	require.NoError(t, err)

	u, err := svc.Users.UpdateOne(ctx, "u1", UserUpdate{AddToSetFacts: []string{"likes tea", "has a cat"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea", "has a cat"}, u.Facts)

	u, err = svc.Users.UpdateOne(ctx, "u1", UserUpdate{AddToSetFacts: []string{"has a cat", "lives in Oslo"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea", "has a cat", "lives in Oslo"}, u.Facts)

	u, err = svc.Users.UpdateOne(ctx, "u1", UserUpdate{Set: map[string]interface{}{"name": "Kim"}})
	require.NoError(t, err)
	assert.Equal(t, "Kim", u.Name)
	assert.Len(t, u.Facts, 3)

	missing, err := svc.Users.UpdateOne(ctx, "nobody", UserUpdate{Set: map[string]interface{}{"name": "x"}})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRememberFactsIgnoresEmpty(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	_, err := svc.EnsureUser(ctx, "u1")
	require.NoError(t, err)
	before, err := store.Read(ctx)
	require.NoError(t, err)

	u, err := svc.RememberFacts(ctx, "u1", []string{"", "  "})
	require.NoError(t, err)
	assert.Nil(t, u)

	after, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestConcurrentFactMerges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.EnsureUser(ctx, "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, f := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_, err := svc.RememberFacts(ctx, "u1", []string{f})
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	u, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, u.Facts)
}

func TestFindOneMatchesEveryField(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	empty, err := svc.Users.FindOne(ctx, UserFilter{UserID: "u1", Username: "ann"})
	require.NoError(t, err)
	assert.Nil(t, empty, "empty collection")

	require.NoError(t, store.Update(ctx, func(doc *models.Document) error {
		doc.Users = append(doc.Users,
			&models.User{UserID: "u1", Username: "ann"},
			&models.User{UserID: "u2", Username: "ben"},
		)
		return nil
	}))

	cases := []struct {
		name   string
		filter UserFilter
		want   string
	}{
		{name: "id and username", filter: UserFilter{UserID: "u2", Username: "ben"}, want: "u2"},
		{name: "id only", filter: UserFilter{UserID: "u1"}, want: "u1"},
		{name: "username only", filter: UserFilter{Username: "ben"}, want: "u2"},
		{name: "right id wrong username", filter: UserFilter{UserID: "u1", Username: "ben"}},
		{name: "unknown id", filter: UserFilter{UserID: "u3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Users.FindOne(ctx, tc.filter)
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.UserID)
		})
	}
}

func TestCreateUniqueKeepsFirstRecord(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	plain, err := svc.Users.Create(ctx, models.User{UserID: "u1", Username: "ann"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, plain.Facts)
	assert.NotNil(t, plain.Preferences)

	got, created, err := svc.Users.CreateUnique(ctx, models.User{UserID: "u9", Username: "ann"}, UserFilter{Username: "ann"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u1", got.UserID)

	got, created, err = svc.Users.CreateUnique(ctx, models.User{UserID: "u2", Username: "ben"}, UserFilter{Username: "ben"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u2", got.UserID)
}

func TestConcurrentSignupsAndAnonymousUsers(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	const n = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		dupes   int
		anonIDs []string
	)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.RegisterUser(ctx, "same", "pw")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrUserExists):
				dupes++
			default:
				t.Errorf("register: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			u, err := svc.EnsureUser(ctx, "user_guest")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			anonIDs = append(anonIDs, u.UserID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupes)
	assert.Len(t, anonIDs, n)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	named, guests := 0, 0
	for _, u := range doc.Users {
		switch {
		case u.Username == "same":
			named++
		case u.UserID == "user_guest":
			guests++
		}
	}
	assert.Equal(t, 1, named)
	assert.Equal(t, 1, guests)
}
