package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisRelay shares hub traffic between server instances over a Redis pub/sub channel.
type RedisRelay struct {
	rc       *redis.Client
	channel  string
	instance string
	logger   *log.Entry
}

type envelope struct {
	Instance string `json:"instance"`
	Sender   string `json:"sender,omitempty"`
	Message
}

// NewRedisRelay creates a relay publishing on channel. Each relay gets its own
// instance id so it can skip its own messages when they come back.
func NewRedisRelay(rc *redis.Client, channel string, logger *log.Entry) *RedisRelay {
	return &RedisRelay{
		rc:       rc,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Publish sends msg to the other instances.
func (r *RedisRelay) Publish(ctx context.Context, sender string, msg Message) error {
	data, err := json.Marshal(envelope{Instance: r.instance, Sender: sender, Message: msg})
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run delivers messages published by other instances until ctx is cancelled,
// resubscribing whenever the subscription channel closes.
func (r *RedisRelay) Run(ctx context.Context, deliver func(msg Message, exclude string)) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("pubsub channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(Message, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.logger.WithError(err).Error("unable to parse relayed message")
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			if !Known(env.Event) {
				r.logger.WithField("event", env.Event).Warn("ignoring unknown relayed event")
				continue
			}
			deliver(env.Message, env.Sender)
		}
	}
}
