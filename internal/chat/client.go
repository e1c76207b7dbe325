package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/campuscreators/chatfeed/internal/feed"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8192                // Maximum command size allowed from peer.
	commandTimeout = 15 * time.Second
)

// Frames sent to the peer.
const (
	frameState          = "state"
	frameScrollToNewest = "scroll_to_newest"
	frameError          = "error"
	frameAck            = "ack"
)

type frame struct {
	Type          string     `json:"type"`
	Messages      []*Message `json:"messages,omitempty"`
	HasMoreOlder  bool       `json:"has_more_older,omitempty"`
	FetchingOlder bool       `json:"fetching_older,omitempty"`
	Live          bool       `json:"live,omitempty"`
	Pinned        *Message   `json:"pinned,omitempty"`
	Command       string     `json:"command,omitempty"`
	Code          string     `json:"code,omitempty"`
	Error         string     `json:"error,omitempty"`
	Result        any        `json:"result,omitempty"`
}

// command is what the peer sends. Fields not used by Type are ignored.
type command struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Details   string `json:"details,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// Client is a middleman between the websocket connection and one open
// FeedController.
type Client struct {
	feed *FeedController
	conn *websocket.Conn
	// Buffered channel of outbound frames.
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{} // closed when the reader is gone
	dead   chan struct{} // closed when the writer is gone
	wg     sync.WaitGroup
}

func newClient(fc *FeedController, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		feed:   fc,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		dead:   make(chan struct{}),
	}
}

// start runs the pumps. The feed must already be open.
func (c *Client) start() {
	c.wg.Add(1)
	go c.writePump()
	go c.forward()
	go c.readPump()
}

// shutdown runs once, when readPump returns.
func (c *Client) shutdown() {
	if err := c.feed.Close(); err != nil {
		jww.WARN.Printf("[CHAT] closing feed of %s: %v", c.feed.Viewer().ID, err)
	}
	c.cancel()
	close(c.quit)
	c.wg.Wait()
	close(c.send)
	c.conn.Close()
}

func (c *Client) enqueue(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		jww.ERROR.Printf("[CHAT] ❌ encode %s frame: %v", f.Type, err)
		return
	}
	select {
	case c.send <- b:
	case <-c.dead:
	}
}

// forward turns feed events into frames.
func (c *Client) forward() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.feed.Events():
			switch ev.Kind {
			case feed.EventUpdated:
				c.enqueue(c.stateFrame())
			case feed.EventScrollToNewest:
				c.enqueue(frame{Type: frameScrollToNewest})
			case feed.EventSubscriptionError:
				c.enqueue(frame{Type: frameError, Code: errorCode(ev.Err), Error: ev.Err.Error()})
			}
		}
	}
}

func (c *Client) stateFrame() frame {
	view := c.feed.View()
	f := frame{
		Type:          frameState,
		Messages:      view.Window,
		HasMoreOlder:  view.HasMoreOlder,
		FetchingOlder: view.FetchingOlder,
		Live:          view.Live,
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()
	pinned, _, err := c.feed.Pinned(ctx)
	if err != nil {
		jww.DEBUG.Printf("[CHAT] pinned message of %s: %v", c.feed.Ref(), err)
	}
	f.Pinned = pinned
	return f
}

// readPump pumps commands from the websocket connection to the feed.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("[CHAT] websocket error: %v", err)
			}
			break
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.enqueue(frame{Type: frameError, Code: codeValidation, Error: "malformed command"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd command) {
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch cmd.Type {
	case "load_older":
		err = c.feed.LoadOlder(ctx)
	case "send":
		result, err = c.feed.Send(ctx, cmd.Text, cmd.ReplyToID)
	case "react":
		result, err = c.feed.ToggleReaction(ctx, cmd.MessageID, cmd.Emoji)
	case "pin":
		err = c.feed.Pin(ctx, cmd.MessageID)
	case "unpin":
		err = c.feed.Unpin(ctx)
	case "delete":
		err = c.feed.DeleteMessage(ctx, cmd.MessageID)
	case "report":
		result, err = c.feed.ReportMessage(ctx, cmd.MessageID, cmd.Reason, cmd.Details)
	case "block", "unblock":
		var scope BlockScope
		if scope, err = ParseScope(cmd.Scope); err != nil {
			break
		}
		if cmd.Type == "block" {
			err = c.feed.BlockSender(ctx, cmd.UserID, scope)
		} else {
			err = c.feed.UnblockSender(ctx, cmd.UserID, scope)
		}
	default:
		c.enqueue(frame{Type: frameError, Command: cmd.Type, Code: codeValidation, Error: "unknown command"})
		return
	}

	if err != nil {
		c.enqueue(frame{Type: frameError, Command: cmd.Type, Code: errorCode(err), Error: err.Error()})
		return
	}
	c.enqueue(frame{Type: frameAck, Command: cmd.Type, Result: result})
}

// writePump pumps frames from the feed to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.dead)
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
