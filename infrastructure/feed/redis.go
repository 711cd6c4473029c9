package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisFeed delivers to local subscribers directly and relays every publish
// through Redis so that views held by other servers see it too.
//
// Redis pub/sub is fire and forget. Whenever notifications may have been
// lost (our subscription was re-established, or a relay failed) local
// subscribers are dropped so they resync from a snapshot, and other servers
// are told to do the same.
type RedisFeed struct {
	local       *MemoryFeed
	redisClient *redis.Client
	pubsub      *redis.PubSub
	prefix      string
	serverID    string
	log         zerolog.Logger

	// resyncPending is set when a relay failed and the other servers have
	// not been told to resync yet.
	resyncPending atomic.Bool
}

var errMissingTopic = errors.New("feed: message has no topic")

type RedisMessage struct {
	FromServerID string `json:"fromServerId"`
	Topic        string `json:"topic,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
	// Resync asks every receiving server to drop its local subscribers.
	Resync bool `json:"resync,omitempty"`
}

func NewRedisFeed(rdb *redis.Client, prefix, serverID string, log zerolog.Logger) *RedisFeed {
	f := &RedisFeed{
		local:       NewMemoryFeed(log),
		redisClient: rdb,
		prefix:      prefix,
		serverID:    serverID,
		log:         log.With().Str("component", "redis_feed").Str("server_id", serverID).Logger(),
	}
	f.pubsub = rdb.PSubscribe(context.Background(), prefix+"*")
	return f
}

func (f *RedisFeed) Run() {
	go f.subscribeRedis()
	f.local.Run()
}

func (f *RedisFeed) subscribeRedis() {
	ch := f.pubsub.ChannelWithSubscriptions()
	f.log.Info().Msg("Redis subscriber started")

	for msg := range ch {
		if !f.handle(context.Background(), msg) {
			return
		}
	}
}

// handle processes one item from the pub/sub channel. It reports false once
// the local feed is closed.
func (f *RedisFeed) handle(ctx context.Context, msg any) bool {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind != "psubscribe" {
			return true
		}
		// Sent on the first subscribe and again after every reconnect; anything
		// published while we were away is gone.
		f.log.Info().Str("pattern", m.Channel).Msg("Redis subscription established, resyncing subscribers")
		f.local.DropAll()
		f.flushResync(ctx)
		return true

	case *redis.Message:
		redisMsg, err := decodeRedisMessage([]byte(m.Payload))
		if err != nil {
			f.log.Warn().Err(err).Str("channel", m.Channel).Msg("Dropping malformed feed message")
			return true
		}
		// Already delivered locally on publish.
		if redisMsg.FromServerID == f.serverID {
			return true
		}
		if redisMsg.Resync {
			f.log.Info().Str("from_server_id", redisMsg.FromServerID).Msg("Resync requested")
			f.local.DropAll()
			return true
		}
		return f.local.Publish(ctx, redisMsg.Topic, redisMsg.Payload) == nil
	}
	return true
}

func (f *RedisFeed) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := f.local.Publish(ctx, topic, payload); err != nil {
		return err
	}

	msgBytes, err := encodeRedisMessage(RedisMessage{
		FromServerID: f.serverID,
		Topic:        topic,
		Payload:      payload,
	})
	if err != nil {
		return err
	}

	f.flushResync(ctx)
	if err := f.redisClient.Publish(ctx, f.channel(topic), msgBytes).Err(); err != nil {
		f.resyncPending.Store(true)
		return err
	}
	return nil
}

// flushResync tells the other servers to resync if an earlier relay failed.
func (f *RedisFeed) flushResync(ctx context.Context) {
	if !f.resyncPending.Load() {
		return
	}
	msgBytes, err := encodeRedisMessage(RedisMessage{FromServerID: f.serverID, Resync: true})
	if err != nil {
		return
	}
	if err := f.redisClient.Publish(ctx, f.prefix+resyncChannel, msgBytes).Err(); err != nil {
		f.log.Warn().Err(err).Msg("Publish resync")
		return
	}
	f.resyncPending.Store(false)
}

func (f *RedisFeed) Subscribe(topic string) (*Subscription, error) {
	return f.local.Subscribe(topic)
}

func (f *RedisFeed) Close() error {
	err := f.pubsub.Close()
	_ = f.local.Close()
	return err
}

func (f *RedisFeed) channel(topic string) string {
	return f.prefix + topic
}

const resyncChannel = "resync"

func encodeRedisMessage(msg RedisMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeRedisMessage(data []byte) (RedisMessage, error) {
	var msg RedisMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RedisMessage{}, err
	}
	if msg.Topic == "" && !msg.Resync {
		return RedisMessage{}, errMissingTopic
	}
	return msg, nil
}
