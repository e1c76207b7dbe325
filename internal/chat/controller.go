package chat

import (
	"context"
	"sync"
	"time"

	"github.com/campuscreators/chatfeed/internal/feed"
	jww "github.com/spf13/jwalterweatherman"
)

// FeedController is the live feed of one conversation for one viewer,
// together with the operations a chat screen performs on it.
type FeedController struct {
	*feed.Controller[*Message]

	svc    *Service
	viewer Viewer
	ref    Ref

	mu        sync.Mutex
	stopWatch func() // ends the blocked-set watch of an open feed
	opened    bool
}

func (c *FeedController) Viewer() Viewer { return c.viewer }
func (c *FeedController) Ref() Ref       { return c.ref }

// Open starts the live query and keeps the viewer's blocked set current
// while the feed is open.
func (c *FeedController) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopWatch != nil {
		if c.View().Live {
			return nil
		}
		// the live query ended on its own
		c.stopWatch()
		c.stopWatch = nil
	}

	signal, release, err := c.svc.store.WatchBlocks(ctx)
	if err != nil {
		return fail("watch blocked users", err)
	}
	if c.opened {
		// blocks may have changed while the feed was closed
		c.reloadBlocked(ctx)
	}
	if err := c.Controller.Open(ctx); err != nil {
		release()
		return fail("open feed", err)
	}
	c.opened = true

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go c.watchBlocks(watchCtx, signal, done)
	c.stopWatch = func() {
		cancel()
		<-done
		release()
	}
	return nil
}

// Close ends the live query. Closing a closed feed does nothing.
func (c *FeedController) Close() error {
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	return c.Controller.Close()
}

func (c *FeedController) watchBlocks(ctx context.Context, signal <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signal:
			if !ok {
				return
			}
			c.reloadBlocked(ctx)
		}
	}
}

func (c *FeedController) reloadBlocked(ctx context.Context) bool {
	blocked, err := c.svc.Blocked(ctx, c.viewer)
	if err != nil {
		jww.WARN.Printf("[CHAT] reload blocked set for %s: %v", c.viewer.ID, err)
		return false
	}
	c.SetBlocked(blocked)
	if err := c.Resync(ctx); err != nil {
		jww.WARN.Printf("[CHAT] resync %s for %s: %v", c.ref, c.viewer.ID, err)
	}
	return true
}

func (c *FeedController) LoadOlder(ctx context.Context) error {
	if err := c.Controller.LoadOlder(ctx); err != nil {
		return fail("load older messages", err)
	}
	return nil
}

// Send posts text, optionally as a reply. The new message shows up in the
// window once the live query delivers it.
func (c *FeedController) Send(ctx context.Context, text, replyToID string) (*Message, error) {
	now := time.Now()
	return c.svc.Send(ctx, c.viewer, c.ref, SendRequest{Text: text, ReplyToID: replyToID, LocalSentAt: &now})
}

func (c *FeedController) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	return c.svc.ToggleReaction(ctx, c.viewer, c.ref, messageID, emoji)
}

func (c *FeedController) Pin(ctx context.Context, messageID string) error {
	return c.svc.Pin(ctx, c.viewer, c.ref, messageID)
}

func (c *FeedController) Unpin(ctx context.Context) error {
	return c.svc.Unpin(ctx, c.viewer, c.ref)
}

func (c *FeedController) Pinned(ctx context.Context) (*Message, *Pin, error) {
	return c.svc.Pinned(ctx, c.viewer, c.ref)
}

func (c *FeedController) DeleteMessage(ctx context.Context, messageID string) error {
	return c.svc.DeleteMessage(ctx, c.viewer, c.ref, messageID)
}

func (c *FeedController) ReportMessage(ctx context.Context, messageID, reason, details string) (*Report, error) {
	return c.svc.ReportMessage(ctx, c.viewer, c.ref, messageID, reason, details)
}

// BlockSender blocks userID and drops their messages from the window right
// away.
func (c *FeedController) BlockSender(ctx context.Context, userID string, scope BlockScope) error {
	if err := c.svc.BlockSender(ctx, c.viewer, userID, scope); err != nil {
		return err
	}
	c.Block(userID)
	return nil
}

// UnblockSender lifts a block and reloads the viewer's blocked set, since a
// separate block of the other scope may still hide the user.
func (c *FeedController) UnblockSender(ctx context.Context, userID string, scope BlockScope) error {
	if err := c.svc.UnblockSender(ctx, c.viewer, userID, scope); err != nil {
		return err
	}
	if !c.reloadBlocked(ctx) {
		c.Unblock(userID)
	}
	return nil
}
