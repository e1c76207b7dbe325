package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/campuscreators/chatfeed/internal/feed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryStore is an in-process Store. Change notifications go straight to
// local listeners, so it backs single-instance deployments and tests.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]map[string]*Message // conversation key -> id -> message
	pins          map[string]Pin
	reports       []*Report
	conversations map[string]*Conversation
	lastSent      map[string]time.Time
	listeners     map[string]map[chan struct{}]struct{}
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]map[string]*Message),
		pins:          make(map[string]Pin),
		conversations: make(map[string]*Conversation),
		lastSent:      make(map[string]time.Time),
		listeners:     make(map[string]map[chan struct{}]struct{}),
		now:           time.Now,
	}
}

func (s *MemoryStore) notifyLocked(ref Ref) {
	s.signalLocked(ref.Key())
}

func (s *MemoryStore) signalLocked(key string) {
	for l := range s.listeners[key] {
		select {
		case l <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) listen(key string) (chan struct{}, func()) {
	signal := make(chan struct{}, 1)
	s.mu.Lock()
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[chan struct{}]struct{})
	}
	s.listeners[key][signal] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.listeners[key], signal)
		s.mu.Unlock()
	}
	return signal, release
}

func (s *MemoryStore) WatchBlocks(ctx context.Context) (<-chan struct{}, func(), error) {
	signal, release := s.listen(blocksKey)
	return signal, release, nil
}

func (s *MemoryStore) AnnounceBlocks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalLocked(blocksKey)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, ref Ref, limit int) (feed.Subscription[*Message], error) {
	signal, release := s.listen(ref.Key())
	query := func(ctx context.Context) ([]*Message, error) {
		return s.FetchBefore(ctx, ref, feed.Cursor{}, limit)
	}
	return newSnapshotSubscription(ctx, signal, 0, query, release), nil
}

func (s *MemoryStore) FetchBefore(ctx context.Context, ref Ref, cursor feed.Cursor, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Message, 0, len(s.messages[ref.Key()]))
	for _, m := range s.messages[ref.Key()] {
		if !cursor.IsZero() && !feed.CursorOf(m).Less(cursor) {
			continue
		}
		all = append(all, m)
	}
	slices.SortFunc(all, func(a, b *Message) int {
		ca, cb := feed.CursorOf(a), feed.CursorOf(b)
		switch {
		case cb.Less(ca):
			return -1
		case ca.Less(cb):
			return 1
		}
		return 0
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Message, len(all))
	for i, m := range all {
		out[i] = m.clone()
	}
	return out, nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Conversation.Key()
	// server timestamps are strictly increasing per conversation
	sent := s.now().UTC()
	if last := s.lastSent[key]; !sent.After(last) {
		sent = last.Add(time.Microsecond)
	}
	s.lastSent[key] = sent

	m.ID = uuid.NewString()
	m.SentAt = sent
	m.normalize()
	if s.messages[key] == nil {
		s.messages[key] = make(map[string]*Message)
	}
	s.messages[key][m.ID] = m.clone()
	s.notifyLocked(m.Conversation)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, ref Ref, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref.Key()][id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return m.clone(), nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, ref Ref, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[ref.Key()][id]; !ok {
		return errors.Wrapf(ErrNotFound, "message %s", id)
	}
	delete(s.messages[ref.Key()], id)
	if pin, ok := s.pins[ref.Key()]; ok && pin.MessageID == id {
		delete(s.pins, ref.Key())
	}
	s.notifyLocked(ref)
	return nil
}

func (s *MemoryStore) updateReactions(ref Ref, messageID string, fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[ref.Key()][messageID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	m := stored.clone()
	fn(m)
	m.normalize()
	s.messages[ref.Key()][messageID] = m
	s.notifyLocked(ref)
	return nil
}

func (s *MemoryStore) AddReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error {
	return s.updateReactions(ref, messageID, func(m *Message) {
		m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	})
}

func (s *MemoryStore) RemoveReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error {
	return s.updateReactions(ref, messageID, func(m *Message) {
		m.Reactions[emoji] = slices.DeleteFunc(m.Reactions[emoji], func(id string) bool { return id == userID })
	})
}

func (s *MemoryStore) GetPin(ctx context.Context, ref Ref) (*Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pin, ok := s.pins[ref.Key()]
	if !ok {
		return nil, nil
	}
	return &pin, nil
}

func (s *MemoryStore) SetPin(ctx context.Context, pin Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[pin.Conversation.Key()][pin.MessageID]; !ok {
		return errors.Wrapf(ErrNotFound, "message %s", pin.MessageID)
	}
	pin.PinnedAt = s.now().UTC()
	s.pins[pin.Conversation.Key()] = pin
	s.notifyLocked(pin.Conversation)
	return nil
}

func (s *MemoryStore) ClearPin(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, ref.Key())
	s.notifyLocked(ref)
	return nil
}

func (s *MemoryStore) InsertReport(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.NewString()
	r.CreatedAt = s.now().UTC()
	cp := *r
	s.reports = append(s.reports, &cp)
	return nil
}

// Reports returns the stored reports, oldest first.
func (s *MemoryStore) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	for i, r := range s.reports {
		out[i] = *r
	}
	return out
}

// Count returns the number of messages stored for ref.
func (s *MemoryStore) Count(ref Ref) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[ref.Key()])
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.Ref.Key()]; ok {
		return errors.Wrapf(ErrValidation, "conversation %s already exists", c.Ref)
	}
	c.CreatedAt = s.now().UTC()
	cp := *c
	cp.Members = slices.Clone(c.Members)
	s.conversations[c.Ref.Key()] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, ref Ref) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[ref.Key()]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", ref)
	}
	cp := *c
	cp.Members = slices.Clone(c.Members)
	return &cp, nil
}

func (s *MemoryStore) AddMembers(ctx context.Context, ref Ref, userIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[ref.Key()]
	if !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", ref)
	}
	for _, id := range userIDs {
		if !slices.Contains(c.Members, id) {
			c.Members = append(c.Members, id)
		}
	}
	return nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, ref Ref, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[ref.Key()]
	if !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", ref)
	}
	c.Members = slices.DeleteFunc(c.Members, func(id string) bool { return id == userID })
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[ref.Key()]; !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", ref)
	}
	delete(s.conversations, ref.Key())
	delete(s.messages, ref.Key())
	delete(s.pins, ref.Key())
	delete(s.lastSent, ref.Key())
	s.notifyLocked(ref)
	return nil
}
