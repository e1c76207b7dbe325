package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"
)

// Writes to a conversation are announced on changesPrefix+ref.Key(). Every
// instance listens with one pattern subscription and fans the signal out to
// its local live queries.
const changesPrefix = "chat:changes:"

// blocksKey is announced whenever any blocked set changes. It cannot clash
// with a conversation key, which always carries a kind prefix.
const blocksKey = "blocks"

type listener struct {
	key    string
	signal chan struct{}
}

type Hub struct {
	listeners  map[string]map[*listener]bool
	broadcast  chan string    // From Redis -> local listeners
	register   chan *listener // Live query opens
	unregister chan *listener // Live query closes
	done       chan struct{}
	redis      *redis.Client
}

var errHubStopped = errors.New("hub stopped")

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		listeners:  make(map[string]map[*listener]bool),
		broadcast:  make(chan string),
		register:   make(chan *listener),
		unregister: make(chan *listener),
		done:       make(chan struct{}),
		redis:      redisClient,
	}
}

// Run owns the listener map; nothing else touches it.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.listeners {
				for l := range set {
					close(l.signal)
				}
			}
			h.listeners = make(map[string]map[*listener]bool)
			return

		case l := <-h.register:
			if h.listeners[l.key] == nil {
				h.listeners[l.key] = make(map[*listener]bool)
			}
			h.listeners[l.key][l] = true

		case l := <-h.unregister:
			if _, ok := h.listeners[l.key][l]; ok {
				delete(h.listeners[l.key], l)
				close(l.signal)
				if len(h.listeners[l.key]) == 0 {
					delete(h.listeners, l.key)
				}
			}

		case key := <-h.broadcast:
			for l := range h.listeners[key] {
				// one pending signal is enough, the query reads the latest state
				select {
				case l.signal <- struct{}{}:
				default:
				}
			}
		}
	}
}

// SubscribeToRedis forwards change announcements from every instance.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, changesPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- strings.TrimPrefix(msg.Channel, changesPrefix):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Notify announces that ref changed.
func (h *Hub) Notify(ctx context.Context, ref Ref) error {
	return h.publish(ctx, ref.Key())
}

func (h *Hub) publish(ctx context.Context, key string) error {
	if err := h.redis.Publish(ctx, changesPrefix+key, "changed").Err(); err != nil {
		return errors.Wrapf(err, "publish change for %s", key)
	}
	return nil
}

// Listen registers a listener for ref. The returned release func
// unregisters it and closes the signal channel.
func (h *Hub) Listen(ctx context.Context, ref Ref) (<-chan struct{}, func(), error) {
	return h.listen(ctx, ref.Key())
}

func (h *Hub) listen(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	l := &listener{key: key, signal: make(chan struct{}, 1)}
	select {
	case h.register <- l:
	case <-h.done:
		return nil, nil, errHubStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	release := func() {
		select {
		case h.unregister <- l:
		case <-h.done:
		}
	}
	return l.signal, release, nil
}

func (h *Hub) announce(ctx context.Context, ref Ref) {
	if err := h.Notify(ctx, ref); err != nil {
		jww.WARN.Printf("❌ Redis Publish Error: %v", err)
	}
}
