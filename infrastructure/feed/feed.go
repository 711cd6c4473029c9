package feed

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("feed: closed")

// Feed delivers change notifications for a topic to every current subscriber,
// in publish order per topic.
type Feed interface {
	Run()
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

// Subscription receives payloads published on Topic. The channel is closed
// when the subscription is closed or dropped for falling behind.
type Subscription struct {
	Topic string

	send  chan []byte
	leave func(*Subscription)
	once  sync.Once
}

func newSubscription(topic string, buffer int, leave func(*Subscription)) *Subscription {
	return &Subscription{
		Topic: topic,
		send:  make(chan []byte, buffer),
		leave: leave,
	}
}

func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.leave(s) })
}

const (
	subscriberBuffer = 64
	broadcastBuffer  = 256
)

const (
	TopicPrefixConversation = "conversation:"
	TopicPrefixUser         = "user:"
)

func MessagesTopic(conversationId string) string {
	return TopicPrefixConversation + conversationId + ":messages"
}

func SummaryTopic(conversationId string) string {
	return TopicPrefixConversation + conversationId + ":summary"
}

func TypingTopic(conversationId, participantId string) string {
	return TopicPrefixConversation + conversationId + ":typing:" + participantId
}

func MembershipTopic(userId string) string {
	return TopicPrefixUser + userId + ":conversations"
}
