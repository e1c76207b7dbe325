package chat

import (
	"context"

	"github.com/campuscreators/chatfeed/internal/feed"
)

// Store is the document-store capability behind every conversation.
// Implementations return ErrNotFound for missing messages and conversations.
type Store interface {
	// Subscribe opens a live query over the newest limit messages.
	Subscribe(ctx context.Context, ref Ref, limit int) (feed.Subscription[*Message], error)
	// FetchBefore returns up to limit messages strictly older than cursor,
	// newest first. A zero cursor starts at the newest message.
	FetchBefore(ctx context.Context, ref Ref, cursor feed.Cursor, limit int) ([]*Message, error)

	// InsertMessage stores m, assigning its id and server timestamp.
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, ref Ref, id string) (*Message, error)
	// DeleteMessage hard-deletes a message and clears the pin pointing at it.
	DeleteMessage(ctx context.Context, ref Ref, id string) error

	// AddReaction and RemoveReaction are atomic set operations on a
	// single (message, emoji, user) entry.
	AddReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error
	RemoveReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error

	// GetPin returns nil when nothing is pinned.
	GetPin(ctx context.Context, ref Ref) (*Pin, error)
	SetPin(ctx context.Context, pin Pin) error
	ClearPin(ctx context.Context, ref Ref) error

	InsertReport(ctx context.Context, r *Report) error

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, ref Ref) (*Conversation, error)
	AddMembers(ctx context.Context, ref Ref, userIDs ...string) error
	RemoveMember(ctx context.Context, ref Ref, userID string) error
	// DeleteConversation removes the record, its members, pin and every
	// message in one batch.
	DeleteConversation(ctx context.Context, ref Ref) error

	// WatchBlocks signals after any user's blocked set changed, on any
	// instance. release stops the signals.
	WatchBlocks(ctx context.Context) (signal <-chan struct{}, release func(), err error)
	AnnounceBlocks(ctx context.Context) error
}

// Users is the slice of the user store the chat operations need. Blocked
// sets use add/remove semantics and are safe under concurrent writers.
type Users interface {
	BlockedSet(ctx context.Context, userID string) ([]string, error)
	AddBlocked(ctx context.Context, userID, target string) error
	RemoveBlocked(ctx context.Context, userID, target string) error
	// AdminBlock adds target to every other user's blocked set and marks
	// the block as admin-sourced, in one batch.
	AdminBlock(ctx context.Context, target, by string) error
	AdminUnblock(ctx context.Context, target string) error
	IsAdminBlocked(ctx context.Context, target string) (bool, error)

	// Directory maps mention handles to user ids.
	Directory(ctx context.Context) (map[string]string, error)
	AdminIDs(ctx context.Context) ([]string, error)
	UserIDs(ctx context.Context) ([]string, error)
}

// storeSource adapts a Store to one conversation for feed.Controller.
type storeSource struct {
	store Store
	ref   Ref
}

func (s storeSource) Subscribe(ctx context.Context, limit int) (feed.Subscription[*Message], error) {
	return s.store.Subscribe(ctx, s.ref, limit)
}

func (s storeSource) FetchBefore(ctx context.Context, cursor feed.Cursor, limit int) ([]*Message, error) {
	return s.store.FetchBefore(ctx, s.ref, cursor, limit)
}
