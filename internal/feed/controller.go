package feed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageSize     = 20
	DefaultFetchTimeout = 10 * time.Second

	eventBuffer = 32
)

// ErrSubscriptionClosed is reported when the backend ends a live query the
// controller did not close itself.
var ErrSubscriptionClosed = errors.New("live subscription closed by backend")

type Options struct {
	PageSize int
	// FetchTimeout bounds every LoadOlder fetch so the in-flight guard is
	// always released.
	FetchTimeout time.Duration
	// Blocked holds the viewer's blocked sender ids at open time.
	Blocked []string
}

type EventKind int

const (
	EventUpdated EventKind = iota
	EventScrollToNewest
	EventSubscriptionError
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventScrollToNewest:
		return "scroll_to_newest"
	case EventSubscriptionError:
		return "subscription_error"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	Err  error
}

// State is a point-in-time copy of a controller.
type State[M Item] struct {
	Window        []M
	Cursor        Cursor
	HasMoreOlder  bool
	FetchingOlder bool
	Live          bool
	Loaded        bool
}

// Controller keeps an ordered, deduplicated live window over one
// conversation and pages backwards through its history.
//
// Every mutation of the window happens under mu, so snapshot deliveries and
// page completions are applied one at a time in arrival order.
type Controller[M Item] struct {
	src  Source[M]
	opts Options

	mu       sync.RWMutex
	window   []M
	cursor   Cursor
	hasMore  bool
	fetching bool
	live     bool
	loaded   bool
	blocked  map[string]struct{}
	gen      uint64

	// newest item of the last live page, raw and unfiltered
	liveNewest Cursor
	// bumped when a live page restarts the window
	restarts uint64

	sub    Subscription[M]
	cancel context.CancelFunc
	done   chan struct{}

	older  singleflight.Group
	events chan Event
}

func New[M Item](src Source[M], opts Options) *Controller[M] {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	blocked := make(map[string]struct{}, len(opts.Blocked))
	for _, id := range opts.Blocked {
		blocked[id] = struct{}{}
	}
	return &Controller[M]{
		src:     src,
		opts:    opts,
		blocked: blocked,
		events:  make(chan Event, eventBuffer),
	}
}

// PageSize is the number of items per live window and per older page.
func (c *Controller[M]) PageSize() int {
	return c.opts.PageSize
}

// Events delivers change notifications. Events are dropped when nobody
// reads them; View always has the current state.
func (c *Controller[M]) Events() <-chan Event {
	return c.events
}

// Open starts the live query. Opening an open controller does nothing.
func (c *Controller[M]) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.src.Subscribe(runCtx, c.opts.PageSize)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribe")
	}

	c.gen++
	c.window = nil
	c.cursor = Cursor{}
	c.liveNewest = Cursor{}
	c.hasMore = false
	c.fetching = false
	c.loaded = false
	c.live = true
	c.sub, c.cancel, c.done = sub, cancel, make(chan struct{})

	go c.run(runCtx, sub, c.gen, c.done)
	return nil
}

// Close ends the live query. Closing a closed controller does nothing.
func (c *Controller[M]) Close() error {
	c.mu.Lock()
	if !c.live {
		c.mu.Unlock()
		return nil
	}
	c.live = false
	c.fetching = false
	c.gen++
	sub, cancel, done := c.sub, c.cancel, c.done
	c.sub, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	err := sub.Close()
	<-done
	return err
}

func (c *Controller[M]) run(ctx context.Context, sub Subscription[M], gen uint64, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				c.subscriptionEnded(sub, gen)
				return
			}
			if snap.Err != nil {
				jww.WARN.Printf("[FEED] live query failed: %v", snap.Err)
				c.emit(Event{Kind: EventSubscriptionError, Err: snap.Err})
				continue
			}
			c.apply(gen, snap.Items)
		}
	}
}

func (c *Controller[M]) subscriptionEnded(sub Subscription[M], gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.live = false
	c.fetching = false
	c.gen++
	cancel := c.cancel
	c.sub, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	_ = sub.Close()
	jww.WARN.Printf("[FEED] %v", ErrSubscriptionClosed)
	c.emit(Event{Kind: EventSubscriptionError, Err: ErrSubscriptionClosed})
}

func (c *Controller[M]) apply(gen uint64, page []M) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.loaded && leavesGap(page, c.opts.PageSize, c.liveNewest) {
		// Coalesced deliveries skipped more than a page. Restart from this
		// page and let LoadOlder walk back over the skipped items.
		jww.DEBUG.Printf("[FEED] live page skipped past the window, restarting from it")
		c.window = mergeLive(nil, page, c.opts.PageSize, c.blocked)
		c.cursor = oldestCursor(page)
		c.hasMore = true
		c.restarts++
	} else {
		c.window = mergeLive(c.window, page, c.opts.PageSize, c.blocked)
		if len(page) > 0 {
			if oldest := oldestCursor(page); c.cursor.IsZero() || oldest.Less(c.cursor) {
				c.cursor = oldest
			}
		}
	}
	if len(page) > 0 {
		c.liveNewest = newestCursor(page)
	}
	first := !c.loaded
	if first {
		// Only the first live page says anything about older history;
		// afterwards LoadOlder owns hasMore.
		c.loaded = true
		c.hasMore = len(page) >= c.opts.PageSize
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventUpdated})
	if first {
		c.emit(Event{Kind: EventScrollToNewest})
	}
}

// LoadOlder fetches one page older than the oldest loaded item and merges it
// in front of the window. It returns without effect when there is no more
// history, no cursor yet, or a fetch is already running; concurrent callers
// share the in-flight fetch.
func (c *Controller[M]) LoadOlder(ctx context.Context) error {
	_, err, _ := c.older.Do("older", func() (interface{}, error) {
		return nil, c.loadOlder(ctx)
	})
	return err
}

func (c *Controller[M]) loadOlder(ctx context.Context) error {
	c.mu.Lock()
	if !c.live || !c.hasMore || c.fetching || c.cursor.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.fetching = true
	gen, restarts, cursor := c.gen, c.restarts, c.cursor
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpdated})

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	page, err := c.src.FetchBefore(fetchCtx, cursor, c.opts.PageSize)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.fetching = false
	if c.restarts != restarts {
		// the window moved on while fetching; this page is not adjacent to it
		c.mu.Unlock()
		c.emit(Event{Kind: EventUpdated})
		return nil
	}
	if err == nil {
		c.window = mergeOlder(c.window, page, c.blocked)
		if len(page) > 0 {
			if oldest := oldestCursor(page); oldest.Less(c.cursor) {
				c.cursor = oldest
			}
		}
		c.hasMore = len(page) >= c.opts.PageSize
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpdated})

	if err != nil {
		return errors.Wrap(err, "fetch older page")
	}
	return nil
}

// Resync re-reads the newest page and applies it like a live delivery. It
// brings back items that were filtered out before an unblock.
func (c *Controller[M]) Resync(ctx context.Context) error {
	c.mu.RLock()
	ready, gen := c.live && c.loaded, c.gen
	c.mu.RUnlock()
	if !ready {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	page, err := c.src.FetchBefore(fetchCtx, Cursor{}, c.opts.PageSize)
	if err != nil {
		return errors.Wrap(err, "resync newest page")
	}
	c.apply(gen, page)
	return nil
}

// Block hides senderID from this controller's window from now on.
func (c *Controller[M]) Block(senderID string) {
	c.mu.Lock()
	c.blocked[senderID] = struct{}{}
	c.window = prune(c.window, c.blocked)
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpdated})
}

// Unblock lets senderID's items through again. Items dropped earlier come
// back with the next delivery that contains them.
func (c *Controller[M]) Unblock(senderID string) {
	c.mu.Lock()
	delete(c.blocked, senderID)
	c.mu.Unlock()
}

// SetBlocked replaces the blocked sender set.
func (c *Controller[M]) SetBlocked(ids []string) {
	blocked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		blocked[id] = struct{}{}
	}
	c.mu.Lock()
	c.blocked = blocked
	c.window = prune(c.window, c.blocked)
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpdated})
}

func (c *Controller[M]) View() State[M] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	window := make([]M, len(c.window))
	copy(window, c.window)
	return State[M]{
		Window:        window,
		Cursor:        c.cursor,
		HasMoreOlder:  c.hasMore,
		FetchingOlder: c.fetching,
		Live:          c.live,
		Loaded:        c.loaded,
	}
}

func (c *Controller[M]) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		jww.DEBUG.Printf("[FEED] dropped %s event, nobody is reading", ev.Kind)
	}
}
