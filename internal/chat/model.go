package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ---------------------------------------------
// 🗄️ Conversations
// ---------------------------------------------

type Kind string

const (
	KindGlobal   Kind = "global"
	KindSubChat  Kind = "subchat"
	KindCampaign Kind = "campaign"
)

// GlobalID is the only id the global conversation has.
const GlobalID = "global"

// Ref addresses one conversation. All three kinds share the same message
// layout; only their parent records differ.
type Ref struct {
	Kind Kind
	ID   string
}

var GlobalRef = Ref{Kind: KindGlobal, ID: GlobalID}

func ParseRef(kind, id string) (Ref, error) {
	ref := Ref{Kind: Kind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if ref.Kind == KindGlobal && ref.ID == "" {
		ref.ID = GlobalID
	}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

func (r Ref) Validate() error {
	switch r.Kind {
	case KindGlobal:
		if r.ID != GlobalID {
			return errors.Wrapf(ErrValidation, "global conversation id must be %q", GlobalID)
		}
	case KindSubChat, KindCampaign:
		if r.ID == "" {
			return errors.Wrapf(ErrValidation, "%s conversation needs an id", r.Kind)
		}
		if strings.Contains(r.ID, ":") {
			return errors.Wrap(ErrValidation, "conversation id may not contain ':'")
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown conversation kind %q", r.Kind)
	}
	return nil
}

// Key is the flat "kind:id" form used for channel names and maps.
func (r Ref) Key() string {
	return string(r.Kind) + ":" + r.ID
}

func (r Ref) String() string { return r.Key() }

func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.Key()), nil
}

func (r *Ref) UnmarshalText(b []byte) error {
	kind, id, _ := strings.Cut(string(b), ":")
	ref, err := ParseRef(kind, id)
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// Conversation is the parent record of a sub-chat or campaign chat.
// Admins are members of every conversation without being listed.
type Conversation struct {
	Ref       Ref       `json:"ref"`
	Title     string    `json:"title"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Conversation) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// ---------------------------------------------
// 💬 Messages
// ---------------------------------------------

// ReplySnapshot is a copy of the replied-to message taken at reply time.
// It is not updated when the original changes.
type ReplySnapshot struct {
	ID                string `json:"id"`
	Text              string `json:"text"`
	SenderDisplayName string `json:"sender_display_name"`
}

type Message struct {
	ID                string              `json:"id"`
	Conversation      Ref                 `json:"conversation"`
	Text              string              `json:"text"`
	SenderID          string              `json:"sender_id"`
	SenderDisplayName string              `json:"sender_display_name"` // 🟢 Denormalized at send time
	SentAt            time.Time           `json:"sent_at"`
	LocalSentAt       *time.Time          `json:"local_sent_at,omitempty"`
	ReplyTo           *ReplySnapshot      `json:"reply_to,omitempty"`
	Reactions         map[string][]string `json:"reactions"`
	Everyone          bool                `json:"everyone"`
	Mentions          []string            `json:"mentions,omitempty"`
}

func (m *Message) FeedID() string      { return m.ID }
func (m *Message) FeedTime() time.Time { return m.SentAt }
func (m *Message) FeedSender() string  { return m.SenderID }

// HasReacted reports whether userID is among the reactors of emoji.
func (m *Message) HasReacted(emoji, userID string) bool {
	return slices.Contains(m.Reactions[emoji], userID)
}

// normalize applies the defaulting rules for stored documents: reactions
// is never nil, reactor lists are sorted sets, empty emoji keys are dropped.
func (m *Message) normalize() {
	reactions := make(map[string][]string, len(m.Reactions))
	for emoji, users := range m.Reactions {
		set := slices.Clone(users)
		slices.Sort(set)
		set = slices.Compact(set)
		if emoji == "" || len(set) == 0 {
			continue
		}
		reactions[emoji] = set
	}
	m.Reactions = reactions
}

// validate checks a document read from a store before it reaches a feed.
func (m *Message) validate() error {
	switch {
	case m.ID == "":
		return errors.New("message has no id")
	case m.SenderID == "":
		return errors.Errorf("message %s has no sender", m.ID)
	case m.SentAt.IsZero():
		return errors.Errorf("message %s has no server timestamp", m.ID)
	}
	return nil
}

// clone returns a deep copy so stores never share mutable state with feeds.
func (m *Message) clone() *Message {
	out := *m
	if m.LocalSentAt != nil {
		t := *m.LocalSentAt
		out.LocalSentAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	out.Reactions = make(map[string][]string, len(m.Reactions))
	for emoji, users := range m.Reactions {
		out.Reactions[emoji] = slices.Clone(users)
	}
	out.Mentions = slices.Clone(m.Mentions)
	return &out
}

// Pin is the single pinned-message pointer of a conversation.
type Pin struct {
	Conversation Ref       `json:"conversation"`
	MessageID    string    `json:"message_id"`
	PinnedBy     string    `json:"pinned_by"`
	PinnedAt     time.Time `json:"pinned_at"`
}

// ---------------------------------------------
// 🚩 Moderation
// ---------------------------------------------

type ReportReason string

const (
	ReasonSpam                 ReportReason = "Spam"
	ReasonHarassment           ReportReason = "Harassment"
	ReasonHateSpeech           ReportReason = "Hate Speech"
	ReasonInappropriateContent ReportReason = "Inappropriate Content"
	ReasonBullying             ReportReason = "Bullying"
	ReasonScamOrFraud          ReportReason = "Scam or Fraud"
	ReasonViolenceOrThreats    ReportReason = "Violence or Threats"
	ReasonOther                ReportReason = "Other"
)

var ReportReasons = []ReportReason{
	ReasonSpam,
	ReasonHarassment,
	ReasonHateSpeech,
	ReasonInappropriateContent,
	ReasonBullying,
	ReasonScamOrFraud,
	ReasonViolenceOrThreats,
	ReasonOther,
}

// ParseReportReason matches s against the fixed reasons, ignoring case.
func ParseReportReason(s string) (ReportReason, error) {
	s = strings.TrimSpace(s)
	for _, r := range ReportReasons {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "unknown report reason %q", s)
}

type Report struct {
	ID           string       `json:"id"`
	Conversation Ref          `json:"conversation"`
	MessageID    string       `json:"message_id"`
	MessageText  string       `json:"message_text"`
	SenderID     string       `json:"sender_id"`
	ReporterID   string       `json:"reporter_id"`
	Reason       ReportReason `json:"reason"`
	Details      string       `json:"details,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type BlockScope string

const (
	ScopeSelf  BlockScope = "self"
	ScopeAdmin BlockScope = "admin"
)

func ParseScope(s string) (BlockScope, error) {
	switch BlockScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeSelf:
		return ScopeSelf, nil
	case ScopeAdmin:
		return ScopeAdmin, nil
	}
	return "", errors.Wrapf(ErrValidation, "unknown block scope %q", s)
}

// Viewer is the signed-in user a feed or an operation acts for.
type Viewer struct {
	ID          string
	DisplayName string
	IsAdmin     bool
}
