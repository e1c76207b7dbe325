package feed

import (
	"context"
	"time"
)

// Item is a single entry of a feed. Implementations must be treated as
// immutable once handed to the controller: updates arrive as new values.
type Item interface {
	FeedID() string
	FeedTime() time.Time
	FeedSender() string
}

// Snapshot is one delivery of the live query: the newest items of the
// conversation, newest first, or an error from the backend.
type Snapshot[M Item] struct {
	Items []M
	Err   error
}

// Subscription is an open realtime query. Snapshots is closed once the
// subscription ends.
type Subscription[M Item] interface {
	Snapshots() <-chan Snapshot[M]
	Close() error
}

// Source is the data-access capability the controller consumes.
type Source[M Item] interface {
	// Subscribe opens a live query over the newest limit items.
	Subscribe(ctx context.Context, limit int) (Subscription[M], error)
	// FetchBefore returns up to limit items strictly older than cursor,
	// newest first. A zero cursor means "from the newest item".
	FetchBefore(ctx context.Context, cursor Cursor, limit int) ([]M, error)
}
