package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"kaichat/internal/models"
	"kaichat/internal/storage"
)

// UserFilter selects users by exact equality on every non-empty field.
type UserFilter struct {
	UserID   string
	Username string
}

func (f UserFilter) matches(u *models.User) bool {
	if u == nil {
		return false
	}
	if f.UserID != "" && u.UserID != f.UserID {
		return false
	}
	if f.Username != "" && u.Username != f.Username {
		return false
	}
	return true
}

// UserUpdate describes one of the two supported update shapes. When AddToSetFacts is non-nil
// it is applied and Set is ignored.
type UserUpdate struct {
	// AddToSetFacts unions the given facts into the user's facts.
	AddToSetFacts []string
	// Set shallow-merges JSON fields (e.g. "name", "facts", "preferences") onto the record.
	Set map[string]interface{}
}

// UserRepository stores users inside the shared document.
type UserRepository struct {
	store storage.Store
	now   func() time.Time
}

func NewUserRepository(store storage.Store) *UserRepository {
	return &UserRepository{store: store, now: time.Now}
}

// FindOne returns the first user matching the filter, or nil.
func (r *UserRepository) FindOne(ctx context.Context, filter UserFilter) (*models.User, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	for _, u := range doc.Users {
		if filter.matches(u) {
			return u, nil
		}
	}
	return nil, nil
}

// Create appends a user with empty facts and preferences. Uniqueness is the caller's job.
func (r *UserRepository) Create(ctx context.Context, user models.User) (*models.User, error) {
	created := user
	created.Facts = []string{}
	created.Preferences = map[string]interface{}{}
	created.CreatedAt = r.now().UTC()

	err := r.store.Update(ctx, func(doc *models.Document) error {
		doc.Users = append(doc.Users, &created)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return created.Clone(), nil
}

// errUserPresent aborts the CreateUnique write when a matching record exists.
var errUserPresent = errors.New("user already present")

// CreateUnique appends user unless a record already matches filter, checking and writing in
// one store update. It returns the stored record and whether it was created by this call.
func (r *UserRepository) CreateUnique(ctx context.Context, user models.User, filter UserFilter) (*models.User, bool, error) {
	created := user
	created.Facts = []string{}
	created.Preferences = map[string]interface{}{}
	created.CreatedAt = r.now().UTC()

	var existing *models.User
	err := r.store.Update(ctx, func(doc *models.Document) error {
		existing = nil
		for _, u := range doc.Users {
			if filter.matches(u) {
				existing = u.Clone()
				return errUserPresent
			}
		}
		doc.Users = append(doc.Users, &created)
		return nil
	})
	if errors.Is(err, errUserPresent) {
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return created.Clone(), true, nil
}

// UpdateOne applies update to the user with userID. It returns nil, nil when no such user exists.
func (r *UserRepository) UpdateOne(ctx context.Context, userID string, update UserUpdate) (*models.User, error) {
	var updated *models.User
	err := r.store.Update(ctx, func(doc *models.Document) error {
		updated = nil
		for i, u := range doc.Users {
			if u == nil || u.UserID != userID {
				continue
			}
			switch {
			case update.AddToSetFacts != nil:
				u.Facts = mergeFacts(u.Facts, update.AddToSetFacts)
			case update.Set != nil:
				merged, err := mergeFields(u, update.Set)
				if err != nil {
					return err
				}
				doc.Users[i] = merged
				u = merged
			}
			updated = u.Clone()
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

// mergeFacts appends the incoming facts that are not already present, keeping existing order.
func mergeFacts(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, f := range existing {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	for _, f := range incoming {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func mergeFields(u *models.User, fields map[string]interface{}) (*models.User, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	record := map[string]interface{}{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	for k, v := range fields {
		record[k] = v
	}
	raw, err = json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode merged user: %w", err)
	}
	var merged models.User
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, fmt.Errorf("apply fields: %w", err)
	}
	if merged.Facts == nil {
		merged.Facts = []string{}
	}
	return &merged, nil
}

func newID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
