package feed

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type item struct {
	id     string
	sender string
	at     time.Time
	body   string
}

func (i *item) FeedID() string      { return i.id }
func (i *item) FeedTime() time.Time { return i.at }
func (i *item) FeedSender() string  { return i.sender }

func msg(id string, sec int, sender string) *item {
	return &item{id: id, sender: sender, at: epoch.Add(time.Duration(sec) * time.Second)}
}

type fakeSub struct {
	ch     chan Snapshot[*item]
	once   sync.Once
	closed atomic.Bool
}

func (s *fakeSub) Snapshots() <-chan Snapshot[*item] { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() { s.closed.Store(true) })
	return nil
}

// fakeSource keeps a conversation in memory. Live deliveries are pushed by
// the test with publish so ordering is fully controlled.
type fakeSource struct {
	mu      sync.Mutex
	items   []*item
	limit   int
	sub     *fakeSub
	subs    int
	fetches atomic.Int32
	gate    chan struct{}
}

func newFakeSource(items ...*item) *fakeSource {
	return &fakeSource{items: items}
}

func (s *fakeSource) Subscribe(_ context.Context, limit int) (Subscription[*item], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	s.limit = limit
	s.sub = &fakeSub{ch: make(chan Snapshot[*item], 16)}
	return s.sub, nil
}

func (s *fakeSource) newestFirst() []*item {
	out := append([]*item(nil), s.items...)
	sort.SliceStable(out, func(i, j int) bool { return CursorOf(out[j]).Less(CursorOf(out[i])) })
	return out
}

func (s *fakeSource) FetchBefore(ctx context.Context, cursor Cursor, limit int) ([]*item, error) {
	s.fetches.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*item
	for _, m := range s.newestFirst() {
		if !cursor.IsZero() && !CursorOf(m).Less(cursor) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) publish() {
	s.mu.Lock()
	page := s.newestFirst()
	if len(page) > s.limit {
		page = page[:s.limit]
	}
	sub := s.sub
	s.mu.Unlock()
	sub.ch <- Snapshot[*item]{Items: page}
}

func (s *fakeSource) set(items ...*item) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

func ids(window []*item) []string {
	out := make([]string, 0, len(window))
	for _, m := range window {
		out = append(out, m.id)
	}
	return out
}

func openController(t *testing.T, src *fakeSource, opts Options) *Controller[*item] {
	t.Helper()
	c := New[*item](src, opts)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitLoaded(t *testing.T, c *Controller[*item], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := c.View()
		return v.Loaded && len(v.Window) == n
	}, time.Second, 5*time.Millisecond)
}

func TestController_OpenThenLoadOlder(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)

	v := c.View()
	assert.Equal(t, []string{"B", "C"}, ids(v.Window))
	assert.True(t, v.HasMoreOlder)
	assert.Equal(t, "B", v.Cursor.ID)

	require.NoError(t, c.LoadOlder(context.Background()))
	v = c.View()
	assert.Equal(t, []string{"A", "B", "C"}, ids(v.Window))
	assert.False(t, v.HasMoreOlder)
	assert.False(t, v.FetchingOlder)
	assert.Equal(t, "A", v.Cursor.ID)

	// exhausted: no further fetch is issued
	require.NoError(t, c.LoadOlder(context.Background()))
	assert.EqualValues(t, 1, src.fetches.Load())
}

func TestController_ExactlyOnePageOfHistory(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)
	require.True(t, c.View().HasMoreOlder)

	require.NoError(t, c.LoadOlder(context.Background()))
	v := c.View()
	assert.False(t, v.HasMoreOlder)
	assert.Equal(t, []string{"A", "B"}, ids(v.Window))
}

func TestController_ShortFirstPageHasNoOlder(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"))
	c := openController(t, src, Options{PageSize: 5})
	src.publish()
	waitLoaded(t, c, 1)

	assert.False(t, c.View().HasMoreOlder)
	require.NoError(t, c.LoadOlder(context.Background()))
	assert.Zero(t, src.fetches.Load())
}

func TestController_RedeliveryDoesNotDuplicate(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"), msg("D", 4, "u2"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)
	require.NoError(t, c.LoadOlder(context.Background()))

	// a resumed subscription redelivers the same window several times
	for i := 0; i < 3; i++ {
		src.publish()
	}
	src.set(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"), msg("D", 4, "u2"), msg("E", 5, "u1"))
	src.publish()

	require.Eventually(t, func() bool { return len(c.View().Window) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids(c.View().Window))
}

func TestController_ReplacesUpdatedPayload(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"))
	c := openController(t, src, Options{PageSize: 5})
	src.publish()
	waitLoaded(t, c, 2)

	updated := msg("B", 2, "u2")
	updated.body = "reacted"
	src.set(msg("A", 1, "u1"), updated)
	src.publish()

	require.Eventually(t, func() bool {
		w := c.View().Window
		return len(w) == 2 && w[1].body == "reacted"
	}, time.Second, 5*time.Millisecond)
}

func TestController_DeletedMessageDisappears(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)
	require.NoError(t, c.LoadOlder(context.Background()))

	src.set(msg("A", 1, "u1"), msg("B", 2, "u2"))
	src.publish()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"A", "B"}, ids(c.View().Window))
	}, time.Second, 5*time.Millisecond)
}

func TestController_FiltersBlockedSenders(t *testing.T) {
	src := newFakeSource(msg("A", 1, "troll"), msg("B", 2, "u2"), msg("C", 3, "troll"), msg("D", 4, "u3"))
	c := openController(t, src, Options{PageSize: 2, Blocked: []string{"troll"}})
	src.publish()
	require.Eventually(t, func() bool { return c.View().Loaded }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"D"}, ids(c.View().Window))
	assert.True(t, c.View().HasMoreOlder, "a full raw page means more history even when filtered")

	require.NoError(t, c.LoadOlder(context.Background()))
	assert.Equal(t, []string{"B", "D"}, ids(c.View().Window))

	c.Block("u3")
	assert.Equal(t, []string{"B"}, ids(c.View().Window))
	for _, m := range c.View().Window {
		assert.NotEqual(t, "troll", m.sender)
	}
}

func TestController_ConcurrentLoadOlderIssuesOneFetch(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)

	src.gate = make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.LoadOlder(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return c.View().FetchingOlder }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.EqualValues(t, 1, src.fetches.Load())
	assert.Equal(t, []string{"A", "B", "C"}, ids(c.View().Window))
}

func TestController_FetchTimeoutReleasesGuard(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u2"), msg("C", 3, "u1"))
	c := openController(t, src, Options{PageSize: 2, FetchTimeout: 20 * time.Millisecond})
	src.publish()
	waitLoaded(t, c, 2)

	src.gate = make(chan struct{})
	err := c.LoadOlder(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	v := c.View()
	assert.False(t, v.FetchingOlder)
	assert.True(t, v.HasMoreOlder)

	close(src.gate)
	require.NoError(t, c.LoadOlder(context.Background()))
	assert.Len(t, c.View().Window, 3)
}

func TestController_OpenAndCloseAreIdempotent(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"))
	c := New[*item](src, Options{PageSize: 2})

	require.NoError(t, c.Close())
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, 1, src.subs)
	assert.True(t, c.View().Live)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, src.sub.closed.Load())
	assert.False(t, c.View().Live)
}

func TestController_ScrollToNewestOnlyOnFirstDelivery(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	src.publish()
	require.Eventually(t, func() bool { return len(c.Events()) >= 3 }, time.Second, 5*time.Millisecond)

	var scrolls int
	for len(c.Events()) > 0 {
		if ev := <-c.Events(); ev.Kind == EventScrollToNewest {
			scrolls++
		}
	}
	assert.Equal(t, 1, scrolls)
}

func TestController_SubscriptionErrorKeepsWindow(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 1)

	src.sub.ch <- Snapshot[*item]{Err: errors.New("connection reset")}
	require.Eventually(t, func() bool {
		for len(c.Events()) > 0 {
			if ev := <-c.Events(); ev.Kind == EventSubscriptionError {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, ids(c.View().Window))
	assert.True(t, c.View().Live)
}

func loadAll(t *testing.T, c *Controller[*item]) {
	t.Helper()
	for i := 0; i < 20 && c.View().HasMoreOlder; i++ {
		require.NoError(t, c.LoadOlder(context.Background()))
	}
	require.False(t, c.View().HasMoreOlder)
}

func TestController_BurstPastTheWindowKeepsHistoryReachable(t *testing.T) {
	letters := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var all []*item
	for i, l := range letters {
		all = append(all, msg(l, i+1, "u1"))
	}
	src := newFakeSource(all[:4]...)
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)

	// E..H land while deliveries are coalesced into one
	src.set(all...)
	src.publish()
	require.Eventually(t, func() bool {
		w := ids(c.View().Window)
		return len(w) > 0 && w[len(w)-1] == "H"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.View().HasMoreOlder)

	loadAll(t, c)
	assert.Equal(t, letters, ids(c.View().Window))
}

func TestController_ShortFirstPageThenBurstReopensHistory(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 1)
	require.False(t, c.View().HasMoreOlder)

	src.set(msg("A", 1, "u1"), msg("B", 2, "u1"), msg("C", 3, "u1"), msg("D", 4, "u1"))
	src.publish()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"C", "D"}, ids(c.View().Window))
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.View().HasMoreOlder)

	loadAll(t, c)
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(c.View().Window))
}

func TestController_OverlappingFullPageDoesNotRestart(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u1"), msg("C", 3, "u1"))
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)
	require.NoError(t, c.LoadOlder(context.Background()))

	src.set(msg("A", 1, "u1"), msg("B", 2, "u1"), msg("C", 3, "u1"), msg("D", 4, "u1"))
	src.publish()
	require.Eventually(t, func() bool { return len(c.View().Window) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(c.View().Window))
	assert.False(t, c.View().HasMoreOlder)
}

func TestController_OlderPageFromBeforeARestartIsDropped(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "u1"), msg("C", 3, "u1"))
	src.gate = make(chan struct{})
	c := openController(t, src, Options{PageSize: 2})
	src.publish()
	waitLoaded(t, c, 2)

	done := make(chan error, 1)
	go func() { done <- c.LoadOlder(context.Background()) }()
	require.Eventually(t, func() bool { return c.View().FetchingOlder }, time.Second, time.Millisecond)

	src.set(msg("A", 1, "u1"), msg("B", 2, "u1"), msg("C", 3, "u1"), msg("D", 4, "u1"), msg("E", 5, "u1"), msg("F", 6, "u1"))
	src.publish()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"E", "F"}, ids(c.View().Window))
	}, time.Second, 5*time.Millisecond)

	close(src.gate)
	require.NoError(t, <-done)
	v := c.View()
	assert.Equal(t, []string{"E", "F"}, ids(v.Window), "A is not adjacent to the restarted window")
	assert.True(t, v.HasMoreOlder)
	assert.False(t, v.FetchingOlder)
	assert.Equal(t, "E", v.Cursor.ID)
}

func TestController_ResyncRestoresUnblockedItems(t *testing.T) {
	src := newFakeSource(msg("A", 1, "u1"), msg("B", 2, "troll"), msg("C", 3, "u1"))
	c := New[*item](src, Options{PageSize: 5, Blocked: []string{"troll"}})
	require.NoError(t, c.Resync(context.Background()), "closed controllers ignore resync")
	assert.Zero(t, src.fetches.Load())

	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	src.publish()
	waitLoaded(t, c, 2)

	c.Unblock("troll")
	assert.Equal(t, []string{"A", "C"}, ids(c.View().Window))
	require.NoError(t, c.Resync(context.Background()))
	assert.Equal(t, []string{"A", "B", "C"}, ids(c.View().Window))
}
