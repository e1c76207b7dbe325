package chat

import (
	"context"
	"sync"
	"time"

	"github.com/campuscreators/chatfeed/internal/feed"
)

// snapshotSubscription turns change signals into full snapshots: every
// signal (and every resync tick) re-runs the newest-page query. Only the
// latest snapshot is kept if the reader falls behind.
type snapshotSubscription struct {
	out     chan feed.Snapshot[*Message]
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	release func()
}

type pageQuery func(ctx context.Context) ([]*Message, error)

func newSnapshotSubscription(ctx context.Context, signal <-chan struct{}, resync time.Duration, query pageQuery, release func()) *snapshotSubscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &snapshotSubscription{
		out:     make(chan feed.Snapshot[*Message], 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}
	go s.run(ctx, signal, resync, query)
	return s
}

func (s *snapshotSubscription) run(ctx context.Context, signal <-chan struct{}, resync time.Duration, query pageQuery) {
	defer close(s.done)
	defer close(s.out)

	var tick <-chan time.Time
	if resync > 0 {
		ticker := time.NewTicker(resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	if !s.deliver(ctx, query) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signal:
			if !ok {
				return
			}
		case <-tick:
		}
		if !s.deliver(ctx, query) {
			return
		}
	}
}

func (s *snapshotSubscription) deliver(ctx context.Context, query pageQuery) bool {
	items, err := query(ctx)
	if ctx.Err() != nil {
		return false
	}
	// drop a snapshot the reader has not picked up yet, this one is newer
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- feed.Snapshot[*Message]{Items: items, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *snapshotSubscription) Snapshots() <-chan feed.Snapshot[*Message] {
	return s.out
}

func (s *snapshotSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.release != nil {
			s.release()
		}
	})
	return nil
}
