package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type envelope struct {
	topic   string
	payload []byte
}

// MemoryFeed fans out notifications inside one process. All subscriber
// bookkeeping happens on the Run goroutine.
type MemoryFeed struct {
	topics     map[string]map[*Subscription]struct{}
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan envelope
	dropAll    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	log        zerolog.Logger
}

func NewMemoryFeed(log zerolog.Logger) *MemoryFeed {
	return &MemoryFeed{
		topics:     make(map[string]map[*Subscription]struct{}),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan envelope, broadcastBuffer),
		dropAll:    make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "feed").Logger(),
	}
}

func (f *MemoryFeed) Run() {
	for {
		select {
		case sub := <-f.register:
			subs := f.topics[sub.Topic]
			if subs == nil {
				subs = make(map[*Subscription]struct{})
				f.topics[sub.Topic] = subs
			}
			subs[sub] = struct{}{}

		case sub := <-f.unregister:
			f.remove(sub)

		case env := <-f.broadcast:
			f.deliver(env)

		case <-f.dropAll:
			f.log.Info().Int("topics", len(f.topics)).Msg("Dropping all subscribers")
			f.closeAll()

		case <-f.done:
			f.closeAll()
			return
		}
	}
}

func (f *MemoryFeed) closeAll() {
	for _, subs := range f.topics {
		for sub := range subs {
			close(sub.send)
		}
	}
	f.topics = make(map[string]map[*Subscription]struct{})
}

// DropAll closes every current subscription, as if each had fallen behind.
// Subscribers resync from a snapshot when they subscribe again.
func (f *MemoryFeed) DropAll() {
	select {
	case f.dropAll <- struct{}{}:
	case <-f.done:
	}
}

func (f *MemoryFeed) deliver(env envelope) {
	for sub := range f.topics[env.topic] {
		select {
		case sub.send <- env.payload:
		default:
			f.log.Warn().Str("topic", env.topic).Msg("Dropping slow subscriber")
			f.remove(sub)
		}
	}
}

func (f *MemoryFeed) remove(sub *Subscription) {
	subs, ok := f.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(f.topics, sub.Topic)
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.closed() {
		return ErrClosed
	}
	select {
	case f.broadcast <- envelope{topic: topic, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	}
}

func (f *MemoryFeed) Subscribe(topic string) (*Subscription, error) {
	if f.closed() {
		return nil, ErrClosed
	}
	sub := newSubscription(topic, subscriberBuffer, f.leave)
	select {
	case f.register <- sub:
		return sub, nil
	case <-f.done:
		return nil, ErrClosed
	}
}

func (f *MemoryFeed) leave(sub *Subscription) {
	select {
	case f.unregister <- sub:
	case <-f.done:
	}
}

func (f *MemoryFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *MemoryFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}
