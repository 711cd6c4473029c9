package usecase

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"jobtalk/internal/entity"
)

type TopicKind string

const (
	TopicMessages   TopicKind = "messages"
	TopicTyping     TopicKind = "typing"
	TopicMembership TopicKind = "membership"
	TopicSummary    TopicKind = "summary"
)

// Topic identifies one push subscription. It is comparable and used as the
// registry key, so at most one subscription exists per topic and manager.
type Topic struct {
	Kind           TopicKind
	ConversationId string
	ParticipantId  string
	UserId         string
}

func MessagesTopic(conversationId string) Topic {
	return Topic{Kind: TopicMessages, ConversationId: conversationId}
}

func TypingTopic(conversationId, participantId string) Topic {
	return Topic{Kind: TopicTyping, ConversationId: conversationId, ParticipantId: participantId}
}

func MembershipTopic(userId string) Topic {
	return Topic{Kind: TopicMembership, UserId: userId}
}

// SummaryTopic watches one conversation's summary on behalf of userId, who
// must be a participant.
func SummaryTopic(conversationId, userId string) Topic {
	return Topic{Kind: TopicSummary, ConversationId: conversationId, UserId: userId}
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicMessages:
		return "messages:" + t.ConversationId
	case TopicTyping:
		return "typing:" + t.ConversationId + ":" + t.ParticipantId
	case TopicMembership:
		return "membership:" + t.UserId
	case TopicSummary:
		return "summary:" + t.ConversationId
	}
	return string(t.Kind)
}

// Update is one delivery on a topic; exactly one payload field is set.
type Update struct {
	Topic    Topic
	Messages *entity.MessageBatch
	Typing   *entity.TypingState
	Summary  *entity.Conversation
	// Conversations is the membership set. Full marks a complete listing;
	// otherwise it holds conversations the user just joined.
	Conversations []entity.Conversation
	Full          bool
}

// Stream yields the updates of one topic. After a non-fatal error the
// next call to Next resynchronises.
type Stream interface {
	Next(ctx context.Context) (Update, error)
	Close()
}

type Source interface {
	Stream(topic Topic) Stream
}

type Backoff struct {
	Min time.Duration
	Max time.Duration
}

var DefaultBackoff = Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second}

// Delay returns the wait before reconnect attempt n (starting at 1), doubling
// from Min up to Max with up to 20% jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	d := b.Min
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - jitter
}

// CancelToken stops one subscription. Cancel never blocks, so it is safe
// from inside a callback. A delivery that already passed its activity
// check when Cancel is called may still run once; owners that must ignore
// it guard with their own state.
type CancelToken struct {
	topic    Topic
	manager  *SubscriptionManager
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
}

func (t *CancelToken) Cancel() {
	if t.canceled.Swap(true) {
		return
	}
	t.cancel()
	t.manager.forget(t)
}

func (t *CancelToken) Active() bool {
	return !t.canceled.Load()
}

// SubscriptionManager owns the live subscriptions of one caller. It holds
// no process-wide state; every owner creates and tears down its own.
type SubscriptionManager struct {
	source  Source
	backoff Backoff
	log     zerolog.Logger

	mu      sync.Mutex
	active  map[Topic]*CancelToken
	closed  bool
	running sync.WaitGroup
}

func NewSubscriptionManager(source Source, backoff Backoff, log zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		source:  source,
		backoff: backoff,
		log:     log.With().Str("component", "subscriptions").Logger(),
		active:  make(map[Topic]*CancelToken),
	}
}

// Subscribe starts delivering topic to onUpdate. An existing subscription for
// the same topic is canceled first. onError receives every failure; fatal
// ones end the subscription, the others are retried with backoff. After
// Close it returns a token that is already canceled.
func (m *SubscriptionManager) Subscribe(topic Topic, onUpdate func(Update), onError func(*Error)) *CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	token := &CancelToken{
		topic:   topic,
		manager: m,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		token.canceled.Store(true)
		cancel()
		close(token.done)
		return token
	}
	prev := m.active[topic]
	m.active[topic] = token
	m.running.Add(1)
	m.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	go m.run(ctx, token, m.source.Stream(topic), onUpdate, onError)
	return token
}

// CancelAll cancels every subscription this manager holds.
func (m *SubscriptionManager) CancelAll() {
	m.mu.Lock()
	tokens := make([]*CancelToken, 0, len(m.active))
	for _, t := range m.active {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()

	for _, t := range tokens {
		t.Cancel()
	}
}

// Close cancels every subscription, refuses new ones and waits until no
// subscription goroutine is left. Callbacks must not block on the caller
// of Close.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()
	m.running.Wait()
}

// Len is the number of active subscriptions.
func (m *SubscriptionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *SubscriptionManager) forget(t *CancelToken) {
	m.mu.Lock()
	if m.active[t.topic] == t {
		delete(m.active, t.topic)
	}
	m.mu.Unlock()
}

func (m *SubscriptionManager) run(ctx context.Context, token *CancelToken, stream Stream, onUpdate func(Update), onError func(*Error)) {
	defer m.running.Done()
	defer close(token.done)
	defer stream.Close()

	log := m.log.With().Str("topic", token.topic.String()).Logger()
	attempt := 0
	for {
		update, err := stream.Next(ctx)
		if ctx.Err() != nil || !token.Active() {
			return
		}

		if err != nil {
			e := Classify(err)
			if onError != nil {
				onError(e)
			}
			if e.Code.Fatal() {
				log.Info().Err(err).Msg("Subscription ended")
				token.Cancel()
				return
			}

			attempt++
			delay := m.backoff.Delay(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Subscription interrupted")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		update.Topic = token.topic
		if onUpdate != nil {
			onUpdate(update)
		}
	}
}
