package feed

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Cursor marks a position in a conversation: the (time, id) key of an item.
type Cursor struct {
	Time time.Time
	ID   string
}

type cursorPayload struct {
	Nanos int64  `json:"t"`
	ID    string `json:"id"`
}

// CursorOf returns the cursor pointing at item.
func CursorOf[M Item](item M) Cursor {
	return Cursor{Time: item.FeedTime(), ID: item.FeedID()}
}

func (c Cursor) IsZero() bool {
	return c.ID == "" && c.Time.IsZero()
}

// Less reports whether c sorts before o. Ties on time fall back to the id.
func (c Cursor) Less(o Cursor) bool {
	if !c.Time.Equal(o.Time) {
		return c.Time.Before(o.Time)
	}
	return c.ID < o.ID
}

// Encode returns the opaque, URL-safe form handed to clients.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	b, err := json.Marshal(cursorPayload{Nanos: c.Time.UnixNano(), ID: c.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor produced by Encode. An empty string decodes
// to the zero cursor.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, errors.Wrap(err, "decode cursor")
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Cursor{}, errors.Wrap(err, "decode cursor payload")
	}
	if p.ID == "" {
		return Cursor{}, errors.New("cursor has no id")
	}
	return Cursor{Time: time.Unix(0, p.Nanos).UTC(), ID: p.ID}, nil
}
