package user

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type blockEntry struct {
	admin bool // placed by an admin block
}

// MemoryRepository keeps users in process memory. It backs STORE=memory
// and the tests.
type MemoryRepository struct {
	mu           sync.Mutex
	users        map[string]*User // id -> user
	byName       map[string]string
	blocked      map[string]map[string]blockEntry // user id -> blocked id
	adminBlocked map[string]string                // blocked id -> admin id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[string]*User),
		byName:       make(map[string]string),
		blocked:      make(map[string]map[string]blockEntry),
		adminBlocked: make(map[string]string),
	}
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[user.Username]; ok {
		return nil, errors.Wrap(ErrUserExists, user.Username)
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	cp := *user
	cp.Blocked = nil
	r.users[cp.ID] = &cp
	r.byName[cp.Username] = cp.ID
	for target := range r.adminBlocked {
		if target != cp.ID {
			r.blockLocked(cp.ID, target, true)
		}
	}
	return user, nil
}

func (r *MemoryRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[username]
	if !ok {
		return nil, errors.Wrap(ErrUserNotFound, username)
	}
	cp := *r.users[id]
	return &cp, nil
}

func (r *MemoryRepository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []User
	for _, u := range all {
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			u.Blocked = nil
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}

func (r *MemoryRepository) All(ctx context.Context) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		cp := *u
		cp.Password = ""
		cp.Blocked = r.blockedLocked(u.ID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (r *MemoryRepository) blockLocked(userID, target string, admin bool) {
	if r.blocked[userID] == nil {
		r.blocked[userID] = make(map[string]blockEntry)
	}
	if _, ok := r.blocked[userID][target]; ok {
		return
	}
	r.blocked[userID][target] = blockEntry{admin: admin}
}

func (r *MemoryRepository) blockedLocked(userID string) []string {
	var ids []string
	for id := range r.blocked[userID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *MemoryRepository) BlockedSet(ctx context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockedLocked(userID), nil
}

func (r *MemoryRepository) AddBlocked(ctx context.Context, userID, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockLocked(userID, target, false)
	return nil
}

func (r *MemoryRepository) RemoveBlocked(ctx context.Context, userID, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked[userID], target)
	return nil
}

func (r *MemoryRepository) AdminBlock(ctx context.Context, target, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adminBlocked[target] = by
	for id := range r.users {
		if id != target {
			r.blockLocked(id, target, true)
		}
	}
	return nil
}

func (r *MemoryRepository) AdminUnblock(ctx context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adminBlocked, target)
	for _, set := range r.blocked {
		if e, ok := set[target]; ok && e.admin {
			delete(set, target)
		}
	}
	return nil
}

func (r *MemoryRepository) IsAdminBlocked(ctx context.Context, target string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.adminBlocked[target]
	return ok, nil
}

func (r *MemoryRepository) Directory(ctx context.Context) (map[string]string, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return directory(all), nil
}

func (r *MemoryRepository) AdminIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, u := range r.users {
		if u.IsAdmin {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *MemoryRepository) UserIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
