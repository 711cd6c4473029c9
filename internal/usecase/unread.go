package usecase

import (
	"sync"

	"github.com/rs/zerolog"

	"jobtalk/internal/entity"
)

// UnreadAggregator folds the summaries of every conversation a user belongs
// to into one unread total. Summaries are applied last-write-wins by
// version; updates queued for the same conversation collapse to the newest.
type UnreadAggregator struct {
	subs    *SubscriptionManager
	userId  string
	onTotal func(entity.UnreadSummary)
	log     zerolog.Logger

	mu       sync.Mutex
	pending  map[string]entity.Conversation
	watching map[string]struct{}
	stopped  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	// owned by the run loop
	versions map[string]int64
	counts   map[string]int
	total    int
	emitted  bool
}

func NewUnreadAggregator(subs *SubscriptionManager, userId string, onTotal func(entity.UnreadSummary), log zerolog.Logger) *UnreadAggregator {
	return &UnreadAggregator{
		subs:     subs,
		userId:   userId,
		onTotal:  onTotal,
		log:      log.With().Str("component", "unread").Str("user_id", userId).Logger(),
		pending:  make(map[string]entity.Conversation),
		watching: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		versions: make(map[string]int64),
		counts:   make(map[string]int),
	}
}

// Start subscribes to the user's membership set and begins folding.
func (a *UnreadAggregator) Start() {
	go a.run()
	a.subs.Subscribe(MembershipTopic(a.userId), a.onMembership, a.onError)
}

// Stop cancels every subscription and waits for them and the fold loop to
// exit. A membership update racing with Stop cannot open a new one.
func (a *UnreadAggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.subs.Close()
	close(a.quit)
	<-a.done
}

func (a *UnreadAggregator) onMembership(u Update) {
	for _, conv := range u.Conversations {
		a.offer(conv)
		a.watch(conv.Id)
	}
	if u.Full {
		a.signal()
	}
}

func (a *UnreadAggregator) watch(conversationId string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if _, ok := a.watching[conversationId]; ok {
		a.mu.Unlock()
		return
	}
	a.watching[conversationId] = struct{}{}
	a.mu.Unlock()

	a.subs.Subscribe(SummaryTopic(conversationId, a.userId), func(u Update) {
		if u.Summary != nil {
			a.offer(*u.Summary)
		}
	}, func(e *Error) {
		if e.Code.Fatal() {
			a.mu.Lock()
			delete(a.watching, conversationId)
			a.mu.Unlock()
		}
		a.onError(e)
	})
}

func (a *UnreadAggregator) onError(e *Error) {
	a.log.Warn().Err(e).Msg("Unread subscription error")
}

// offer queues conv for folding unless a newer version is already queued.
func (a *UnreadAggregator) offer(conv entity.Conversation) {
	a.mu.Lock()
	if prev, ok := a.pending[conv.Id]; ok && prev.Version >= conv.Version {
		a.mu.Unlock()
		return
	}
	a.pending[conv.Id] = conv
	a.mu.Unlock()
	a.signal()
}

func (a *UnreadAggregator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *UnreadAggregator) run() {
	defer close(a.done)
	for {
		select {
		case <-a.wake:
			a.fold()
		case <-a.quit:
			return
		}
	}
}

func (a *UnreadAggregator) fold() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[string]entity.Conversation)
	a.mu.Unlock()

	for id, conv := range batch {
		if v, ok := a.versions[id]; ok && v >= conv.Version {
			continue
		}
		a.versions[id] = conv.Version
		a.counts[id] = conv.UnreadFor(a.userId)
	}

	total := 0
	for _, n := range a.counts {
		total += n
	}
	if a.emitted && total == a.total {
		return
	}
	a.total = total
	a.emitted = true

	if a.onTotal != nil {
		byConversation := make(map[string]int, len(a.counts))
		for id, n := range a.counts {
			byConversation[id] = n
		}
		a.onTotal(entity.UnreadSummary{UserId: a.userId, Total: total, ByConversation: byConversation})
	}
}
