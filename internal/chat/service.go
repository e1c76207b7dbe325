package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/campuscreators/chatfeed/internal/feed"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	maxHistoryPage       = 100
	previewLength        = 100
	defaultNotifyTimeout = 30 * time.Second
)

type Options struct {
	PageSize      int
	FetchTimeout  time.Duration
	NotifyTimeout time.Duration
}

// Service carries the conversation operations every feed and REST call
// goes through. It checks access, validates input and maps store failures
// onto the error taxonomy.
type Service struct {
	store    Store
	users    Users
	notifier Notifier
	opts     Options
}

func NewService(store Store, users Users, notifier Notifier, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = feed.DefaultPageSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = feed.DefaultFetchTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if notifier == nil {
		notifier = nopNotifier
	}
	return &Service{store: store, users: users, notifier: notifier, opts: opts}
}

// authorize lets everybody into the global conversation; other
// conversations admit their members and every admin.
func (s *Service) authorize(ctx context.Context, viewer Viewer, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if viewer.ID == "" {
		return errors.Wrap(ErrPermissionDenied, "no signed-in user")
	}
	if ref.Kind == KindGlobal {
		return nil
	}
	conv, err := s.store.GetConversation(ctx, ref)
	if err != nil {
		return fail("load conversation", err)
	}
	if viewer.IsAdmin || conv.HasMember(viewer.ID) {
		return nil
	}
	return errors.Wrapf(ErrPermissionDenied, "%s is not a member of %s", viewer.ID, ref)
}

func requireAdmin(viewer Viewer, action string) error {
	if !viewer.IsAdmin {
		return errors.Wrapf(ErrPermissionDenied, "only admins can %s", action)
	}
	return nil
}

// ---------------------------------------------
// 💬 Messages
// ---------------------------------------------

type SendRequest struct {
	Text        string     `json:"text"`
	ReplyToID   string     `json:"reply_to_id,omitempty"`
	LocalSentAt *time.Time `json:"local_sent_at,omitempty"`
}

// Send stores a new message with a server timestamp. The message is not
// inserted into any feed here; it reaches every open feed, the sender's
// included, through the live query.
func (s *Service) Send(ctx context.Context, viewer Viewer, ref Ref, req SendRequest) (*Message, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.Wrap(ErrValidation, "message text is empty")
	}
	everyone := ContainsEveryone(text)
	if everyone && !viewer.IsAdmin {
		return nil, errors.Wrap(ErrPermissionDenied, "only admins can mention @everyone")
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, err
	}

	m := &Message{
		Conversation:      ref,
		Text:              text,
		SenderID:          viewer.ID,
		SenderDisplayName: viewer.DisplayName,
		LocalSentAt:       req.LocalSentAt,
		Everyone:          everyone,
	}
	if req.ReplyToID != "" {
		orig, err := s.store.GetMessage(ctx, ref, req.ReplyToID)
		if err != nil {
			return nil, fail("load reply target", err)
		}
		m.ReplyTo = &ReplySnapshot{
			ID:                orig.ID,
			Text:              orig.Text,
			SenderDisplayName: orig.SenderDisplayName,
		}
	}
	directory, err := s.users.Directory(ctx)
	if err != nil {
		return nil, fail("load user directory", err)
	}
	m.Mentions = ExtractMentions(text, directory, viewer.ID)

	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, fail("send message", err)
	}
	s.dispatch(ctx, m)
	return m, nil
}

// dispatch hands mention and broadcast notifications to the notifier in
// the background. The message is already stored, so failures are only
// logged.
func (s *Service) dispatch(ctx context.Context, m *Message) {
	if len(m.Mentions) == 0 && !m.Everyone {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m = m.clone()
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
		defer cancel()

		note := Notification{
			Kind:              NotifyMention,
			Conversation:      m.Conversation,
			MessageID:         m.ID,
			SenderID:          m.SenderID,
			SenderDisplayName: m.SenderDisplayName,
			Preview:           preview(m.Text),
			Recipients:        m.Mentions,
		}
		if m.Everyone {
			recipients, err := s.audience(ctx, m.Conversation)
			if err != nil {
				jww.WARN.Printf("[CHAT] @everyone in %s: cannot resolve recipients: %v", m.Conversation, err)
				return
			}
			note.Kind = NotifyEveryone
			note.Recipients = slices.DeleteFunc(recipients, func(id string) bool { return id == m.SenderID })
		}
		if len(note.Recipients) == 0 {
			return
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			jww.ERROR.Printf("[CHAT] ❌ notification for %s failed: %v", m.ID, err)
			return
		}
		jww.DEBUG.Printf("[CHAT] %s notification for %s sent to %d users", note.Kind, m.ID, len(note.Recipients))
	}()
}

// audience is every user who can read ref.
func (s *Service) audience(ctx context.Context, ref Ref) ([]string, error) {
	if ref.Kind == KindGlobal {
		return s.users.UserIDs(ctx)
	}
	conv, err := s.store.GetConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	admins, err := s.users.AdminIDs(ctx)
	if err != nil {
		return nil, err
	}
	ids := append(slices.Clone(conv.Members), admins...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength]) + "…"
}

// ToggleReaction adds viewer's emoji reaction or removes it when present.
// It reports whether the reaction is now set.
func (s *Service) ToggleReaction(ctx context.Context, viewer Viewer, ref Ref, messageID, emoji string) (bool, error) {
	if err := ValidateReaction(emoji); err != nil {
		return false, err
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return false, err
	}
	m, err := s.store.GetMessage(ctx, ref, messageID)
	if err != nil {
		return false, fail("load message", err)
	}
	if m.HasReacted(emoji, viewer.ID) {
		if err := s.store.RemoveReaction(ctx, ref, messageID, emoji, viewer.ID); err != nil {
			return false, fail("remove reaction", err)
		}
		return false, nil
	}
	if err := s.store.AddReaction(ctx, ref, messageID, emoji, viewer.ID); err != nil {
		return false, fail("add reaction", err)
	}
	return true, nil
}

// DeleteMessage hard-deletes a message. Admins may delete any message,
// everybody else only their own.
func (s *Service) DeleteMessage(ctx context.Context, viewer Viewer, ref Ref, messageID string) error {
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return err
	}
	m, err := s.store.GetMessage(ctx, ref, messageID)
	if err != nil {
		return fail("load message", err)
	}
	if !viewer.IsAdmin && m.SenderID != viewer.ID {
		return errors.Wrap(ErrPermissionDenied, "only admins can delete other users' messages")
	}
	if err := s.store.DeleteMessage(ctx, ref, messageID); err != nil {
		return fail("delete message", err)
	}
	jww.INFO.Printf("[CHAT] 🗑️ %s deleted message %s in %s", viewer.ID, messageID, ref)
	return nil
}

func (s *Service) ReportMessage(ctx context.Context, viewer Viewer, ref Ref, messageID, reason, details string) (*Report, error) {
	r, err := ParseReportReason(reason)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, err
	}
	m, err := s.store.GetMessage(ctx, ref, messageID)
	if err != nil {
		return nil, fail("load message", err)
	}
	report := &Report{
		Conversation: ref,
		MessageID:    m.ID,
		MessageText:  m.Text,
		SenderID:     m.SenderID,
		ReporterID:   viewer.ID,
		Reason:       r,
		Details:      strings.TrimSpace(details),
	}
	if err := s.store.InsertReport(ctx, report); err != nil {
		return nil, fail("report message", err)
	}
	jww.INFO.Printf("[CHAT] 🚩 message %s in %s reported for %q", m.ID, ref, r)
	return report, nil
}

// Page is one page of history, oldest message first.
type Page struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// History pages backwards from the opaque before cursor (empty for the
// newest page). Blocked senders are left out but still count towards the
// page, so the cursor always advances.
func (s *Service) History(ctx context.Context, viewer Viewer, ref Ref, before string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	limit = min(limit, maxHistoryPage)
	cursor, err := feed.DecodeCursor(before)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, err
	}
	blocked, err := s.users.BlockedSet(ctx, viewer.ID)
	if err != nil {
		return nil, fail("load blocked users", err)
	}
	raw, err := s.store.FetchBefore(ctx, ref, cursor, limit)
	if err != nil {
		return nil, fail("load history", err)
	}

	page := &Page{Messages: make([]*Message, 0, len(raw)), HasMore: len(raw) >= limit}
	for i := len(raw) - 1; i >= 0; i-- {
		if slices.Contains(blocked, raw[i].SenderID) {
			continue
		}
		page.Messages = append(page.Messages, raw[i])
	}
	if page.HasMore {
		page.NextCursor = feed.CursorOf(raw[len(raw)-1]).Encode()
	}
	return page, nil
}

// ---------------------------------------------
// 📌 Pins
// ---------------------------------------------

func (s *Service) Pin(ctx context.Context, viewer Viewer, ref Ref, messageID string) error {
	if err := requireAdmin(viewer, "pin messages"); err != nil {
		return err
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return err
	}
	if _, err := s.store.GetMessage(ctx, ref, messageID); err != nil {
		return fail("load message", err)
	}
	if err := s.store.SetPin(ctx, Pin{Conversation: ref, MessageID: messageID, PinnedBy: viewer.ID}); err != nil {
		return fail("pin message", err)
	}
	return nil
}

func (s *Service) Unpin(ctx context.Context, viewer Viewer, ref Ref) error {
	if err := requireAdmin(viewer, "unpin messages"); err != nil {
		return err
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return err
	}
	if err := s.store.ClearPin(ctx, ref); err != nil {
		return fail("unpin message", err)
	}
	return nil
}

// Pinned returns the pinned message of ref, or nil when nothing is pinned
// or the pinned message is gone.
func (s *Service) Pinned(ctx context.Context, viewer Viewer, ref Ref) (*Message, *Pin, error) {
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, nil, err
	}
	pin, err := s.store.GetPin(ctx, ref)
	if err != nil {
		return nil, nil, fail("load pin", err)
	}
	if pin == nil {
		return nil, nil, nil
	}
	m, err := s.store.GetMessage(ctx, ref, pin.MessageID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fail("load pinned message", err)
	}
	return m, pin, nil
}

// ---------------------------------------------
// 🚫 Blocking
// ---------------------------------------------

// BlockSender hides target from the viewer (self scope) or, for admins,
// from every user (admin scope).
func (s *Service) BlockSender(ctx context.Context, viewer Viewer, target string, scope BlockScope) error {
	if target == "" {
		return errors.Wrap(ErrValidation, "no user to block")
	}
	if target == viewer.ID {
		return errors.Wrap(ErrValidation, "cannot block yourself")
	}
	switch scope {
	case ScopeAdmin:
		if err := requireAdmin(viewer, "block users for everyone"); err != nil {
			return err
		}
		if err := s.users.AdminBlock(ctx, target, viewer.ID); err != nil {
			return fail("block user for everyone", err)
		}
		jww.INFO.Printf("[CHAT] 🚫 admin %s blocked %s for everyone", viewer.ID, target)
	case ScopeSelf:
		if err := s.users.AddBlocked(ctx, viewer.ID, target); err != nil {
			return fail("block user", err)
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown block scope %q", scope)
	}
	s.announceBlocks(ctx)
	return nil
}

// UnblockSender reverses BlockSender. A block placed by an admin can only
// be lifted by an admin.
func (s *Service) UnblockSender(ctx context.Context, viewer Viewer, target string, scope BlockScope) error {
	if target == "" {
		return errors.Wrap(ErrValidation, "no user to unblock")
	}
	switch scope {
	case ScopeAdmin:
		if err := requireAdmin(viewer, "lift admin blocks"); err != nil {
			return err
		}
		if err := s.users.AdminUnblock(ctx, target); err != nil {
			return fail("lift admin block", err)
		}
		jww.INFO.Printf("[CHAT] admin %s lifted the block on %s", viewer.ID, target)
	case ScopeSelf:
		if !viewer.IsAdmin {
			adminBlocked, err := s.users.IsAdminBlocked(ctx, target)
			if err != nil {
				return fail("check admin block", err)
			}
			if adminBlocked {
				return errors.Wrapf(ErrPermissionDenied, "%s was blocked by an admin", target)
			}
		}
		if err := s.users.RemoveBlocked(ctx, viewer.ID, target); err != nil {
			return fail("unblock user", err)
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown block scope %q", scope)
	}
	s.announceBlocks(ctx)
	return nil
}

// announceBlocks lets open feeds on every instance reload their blocked
// sets. The write already happened, so a failure is only logged.
func (s *Service) announceBlocks(ctx context.Context) {
	if err := s.store.AnnounceBlocks(ctx); err != nil {
		jww.WARN.Printf("[CHAT] announce blocked-set change: %v", err)
	}
}

func (s *Service) Blocked(ctx context.Context, viewer Viewer) ([]string, error) {
	ids, err := s.users.BlockedSet(ctx, viewer.ID)
	if err != nil {
		return nil, fail("load blocked users", err)
	}
	return ids, nil
}

// ---------------------------------------------
// 🗄️ Conversations
// ---------------------------------------------

func (s *Service) CreateConversation(ctx context.Context, viewer Viewer, ref Ref, title string, members []string) (*Conversation, error) {
	if err := requireAdmin(viewer, "create conversations"); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.Kind == KindGlobal {
		return nil, errors.Wrap(ErrValidation, "the global conversation always exists")
	}
	members = slices.DeleteFunc(slices.Clone(members), func(id string) bool { return strings.TrimSpace(id) == "" })
	slices.Sort(members)
	c := &Conversation{
		Ref:       ref,
		Title:     strings.TrimSpace(title),
		Members:   slices.Compact(members),
		CreatedBy: viewer.ID,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fail("create conversation", err)
	}
	jww.INFO.Printf("[CHAT] ✅ %s created %s with %d members", viewer.ID, ref, len(c.Members))
	return c, nil
}

func (s *Service) AddMembers(ctx context.Context, viewer Viewer, ref Ref, userIDs ...string) error {
	if err := requireAdmin(viewer, "add members"); err != nil {
		return err
	}
	if ref.Kind == KindGlobal {
		return errors.Wrap(ErrValidation, "everybody is a member of the global conversation")
	}
	if len(userIDs) == 0 {
		return errors.Wrap(ErrValidation, "no members to add")
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return err
	}
	if err := s.store.AddMembers(ctx, ref, userIDs...); err != nil {
		return fail("add members", err)
	}
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, viewer Viewer, ref Ref, userID string) error {
	if err := requireAdmin(viewer, "remove members"); err != nil {
		return err
	}
	if ref.Kind == KindGlobal {
		return errors.Wrap(ErrValidation, "cannot leave the global conversation")
	}
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, ref, userID); err != nil {
		return fail("remove member", err)
	}
	return nil
}

// Members lists everyone who can read ref. Admins are always included.
func (s *Service) Members(ctx context.Context, viewer Viewer, ref Ref) ([]string, error) {
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, err
	}
	ids, err := s.audience(ctx, ref)
	if err != nil {
		return nil, fail("load members", err)
	}
	return ids, nil
}

// DeleteConversation removes ref with every message and its pin.
func (s *Service) DeleteConversation(ctx context.Context, viewer Viewer, ref Ref) error {
	if err := requireAdmin(viewer, "delete conversations"); err != nil {
		return err
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	if ref.Kind == KindGlobal {
		return errors.Wrap(ErrValidation, "the global conversation cannot be deleted")
	}
	if err := s.store.DeleteConversation(ctx, ref); err != nil {
		return fail("delete conversation", err)
	}
	jww.INFO.Printf("[CHAT] 🗑️ %s deleted %s", viewer.ID, ref)
	return nil
}

// ---------------------------------------------
// 📡 Feeds
// ---------------------------------------------

// NewFeed builds a closed FeedController for viewer on ref. pageSize <= 0
// uses the configured default.
func (s *Service) NewFeed(ctx context.Context, viewer Viewer, ref Ref, pageSize int) (*FeedController, error) {
	if err := s.authorize(ctx, viewer, ref); err != nil {
		return nil, err
	}
	blocked, err := s.Blocked(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	ctrl := feed.New[*Message](storeSource{store: s.store, ref: ref}, feed.Options{
		PageSize:     min(pageSize, maxHistoryPage),
		FetchTimeout: s.opts.FetchTimeout,
		Blocked:      blocked,
	})
	return &FeedController{Controller: ctrl, svc: s, viewer: viewer, ref: ref}, nil
}
