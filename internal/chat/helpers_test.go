package chat

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testUser struct {
	id, name string
	admin    bool
}

// fakeUsers is a Users with the same admin-block rules as the real
// repositories: admin blocks land in every other user's set and only
// admin-sourced entries are lifted by AdminUnblock.
type fakeUsers struct {
	mu           sync.Mutex
	users        []testUser
	blocked      map[string]map[string]bool // user -> target -> admin sourced
	adminBlocked map[string]bool
}

func newFakeUsers(users ...testUser) *fakeUsers {
	return &fakeUsers{users: users, blocked: map[string]map[string]bool{}, adminBlocked: map[string]bool{}}
}

func (u *fakeUsers) add(userID, target string, admin bool) {
	if u.blocked[userID] == nil {
		u.blocked[userID] = map[string]bool{}
	}
	if _, ok := u.blocked[userID][target]; !ok {
		u.blocked[userID][target] = admin
	}
}

func (u *fakeUsers) BlockedSet(_ context.Context, userID string) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var ids []string
	for id := range u.blocked[userID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (u *fakeUsers) AddBlocked(_ context.Context, userID, target string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.add(userID, target, false)
	return nil
}

func (u *fakeUsers) RemoveBlocked(_ context.Context, userID, target string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.blocked[userID], target)
	return nil
}

func (u *fakeUsers) AdminBlock(_ context.Context, target, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.adminBlocked[target] = true
	for _, usr := range u.users {
		if usr.id != target {
			u.add(usr.id, target, true)
		}
	}
	return nil
}

func (u *fakeUsers) AdminUnblock(_ context.Context, target string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.adminBlocked, target)
	for _, set := range u.blocked {
		if admin, ok := set[target]; ok && admin {
			delete(set, target)
		}
	}
	return nil
}

func (u *fakeUsers) IsAdminBlocked(_ context.Context, target string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.adminBlocked[target], nil
}

func (u *fakeUsers) Directory(context.Context) (map[string]string, error) {
	dir := map[string]string{}
	for _, usr := range u.users {
		dir[Handle(usr.name)] = usr.id
	}
	return dir, nil
}

func (u *fakeUsers) AdminIDs(context.Context) ([]string, error) {
	var ids []string
	for _, usr := range u.users {
		if usr.admin {
			ids = append(ids, usr.id)
		}
	}
	return ids, nil
}

func (u *fakeUsers) UserIDs(context.Context) ([]string, error) {
	var ids []string
	for _, usr := range u.users {
		ids = append(ids, usr.id)
	}
	return ids, nil
}

var (
	ada = Viewer{ID: "u-ada", DisplayName: "Ada", IsAdmin: true}
	bob = Viewer{ID: "u-bob", DisplayName: "Bob"}
	cyd = Viewer{ID: "u-cyd", DisplayName: "Cyd"}
)

type fixture struct {
	store *MemoryStore
	users *fakeUsers
	svc   *Service
	notes chan Notification
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		users: newFakeUsers(
			testUser{id: ada.ID, name: ada.DisplayName, admin: true},
			testUser{id: bob.ID, name: bob.DisplayName},
			testUser{id: cyd.ID, name: cyd.DisplayName},
		),
		notes: make(chan Notification, 16),
	}
	notifier := NotifierFunc(func(_ context.Context, n Notification) error {
		f.notes <- n
		return nil
	})
	f.svc = NewService(f.store, f.users, notifier, Options{PageSize: 20, FetchTimeout: time.Second})
	return f
}

func (f *fixture) send(t *testing.T, v Viewer, ref Ref, text string) *Message {
	t.Helper()
	m, err := f.svc.Send(context.Background(), v, ref, SendRequest{Text: text})
	require.NoError(t, err)
	return m
}

func (f *fixture) nextNote(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-f.notes:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification dispatched")
	}
	return Notification{}
}

func (f *fixture) openFeed(t *testing.T, v Viewer, ref Ref, pageSize int) *FeedController {
	t.Helper()
	fc, err := f.svc.NewFeed(context.Background(), v, ref, pageSize)
	require.NoError(t, err)
	require.NoError(t, fc.Open(context.Background()))
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func texts(window []*Message) []string {
	out := make([]string, 0, len(window))
	for _, m := range window {
		out = append(out, m.Text)
	}
	return out
}
