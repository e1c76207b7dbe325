package chat

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/ratelimit"
)

const notificationsChannel = "chat:notifications"

type NotificationKind string

const (
	NotifyMention  NotificationKind = "mention"
	NotifyEveryone NotificationKind = "everyone"
)

// Notification is handed to the push pipeline after a message was stored.
type Notification struct {
	Kind              NotificationKind `json:"kind"`
	Conversation      Ref              `json:"conversation"`
	MessageID         string           `json:"message_id"`
	SenderID          string           `json:"sender_id"`
	SenderDisplayName string           `json:"sender_display_name"`
	Preview           string           `json:"preview"`
	Recipients        []string         `json:"recipients"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

var nopNotifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// RedisNotifier publishes one payload per recipient on the notifications
// channel, throttled so an @everyone in a large conversation does not
// flood the push workers.
type RedisNotifier struct {
	redis   *redis.Client
	limiter ratelimit.Limiter
}

func NewRedisNotifier(client *redis.Client, perSecond int) *RedisNotifier {
	if perSecond <= 0 {
		perSecond = 100
	}
	return &RedisNotifier{redis: client, limiter: ratelimit.New(perSecond)}
}

type pushPayload struct {
	Notification
	Recipient string `json:"recipient"`
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	for _, recipient := range note.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		n.limiter.Take()
		// Take does not watch ctx, so the wait may outlast the caller.
		if err := ctx.Err(); err != nil {
			return err
		}
		payload := pushPayload{Notification: note, Recipient: recipient}
		payload.Recipients = nil
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := n.redis.Publish(ctx, notificationsChannel, b).Err(); err != nil {
			return errors.Wrapf(err, "publish notification for %s", recipient)
		}
	}
	return nil
}
