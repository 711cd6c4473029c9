package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

const (
	DefaultTypingIdleAfter    = 5 * time.Second
	DefaultTypingRefreshEvery = 2 * time.Second
	typingWriteTimeout        = 5 * time.Second
)

// TypingTracker drives the local participant's typing flag through
// Idle -> Typing -> Idle. Writes go out on one goroutine in order; when they
// back up only the latest desired value is written.
type TypingTracker struct {
	repo           repository.TypingRepository
	conversationId string
	participantId  string
	idleAfter      time.Duration
	refreshEvery   time.Duration
	clock          Clock
	log            zerolog.Logger

	mu           sync.Mutex
	typing       bool
	stopped      bool
	lastActivity time.Time
	timer        Timer
	refresh      Timer
	refreshGen   int
	pending      chan bool
	// done is closed when the last write has been attempted.
	done chan struct{}
}

type TypingConfig struct {
	IdleAfter    time.Duration
	RefreshEvery time.Duration
}

func NewTypingTracker(repo repository.TypingRepository, conversationId, participantId string, cfg TypingConfig, clock Clock, log zerolog.Logger) *TypingTracker {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultTypingIdleAfter
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = DefaultTypingRefreshEvery
	}
	if clock == nil {
		clock = RealClock
	}
	t := &TypingTracker{
		repo:           repo,
		conversationId: conversationId,
		participantId:  participantId,
		idleAfter:      cfg.IdleAfter,
		refreshEvery:   cfg.RefreshEvery,
		clock:          clock,
		log:            log.With().Str("component", "typing").Str("conversation_id", conversationId).Logger(),
		pending:        make(chan bool, 1),
		done:           make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Activity records local input. The remote flag is set on the first
// keystroke and rewritten every refreshEvery until the tracker goes idle.
func (t *TypingTracker) Activity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	now := t.clock.Now()
	t.lastActivity = now
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.idleAfter, t.onIdle)

	if !t.typing {
		t.typing = true
		t.enqueue(true)
		t.armRefresh()
	}
}

// Clear returns to Idle immediately, for example after a message was sent.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.toIdle()
}

// IsTyping reports the local state.
func (t *TypingTracker) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop clears the flag if set and releases the writer. Further calls are no-ops.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.toIdle()
	t.stopped = true
	close(t.pending)
	t.mu.Unlock()
}

func (t *TypingTracker) onIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.typing {
		return
	}
	if t.clock.Now().Sub(t.lastActivity) < t.idleAfter {
		return
	}
	t.toIdle()
}

// armRefresh schedules the next rewrite of the flag. A callback from an
// earlier chain sees a stale generation and does nothing. Callers hold mu.
func (t *TypingTracker) armRefresh() {
	t.refreshGen++
	gen := t.refreshGen
	t.refresh = t.clock.AfterFunc(t.refreshEvery, func() { t.onRefresh(gen) })
}

func (t *TypingTracker) onRefresh(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.typing || gen != t.refreshGen {
		return
	}
	t.enqueue(true)
	t.armRefresh()
}

func (t *TypingTracker) toIdle() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.refresh != nil {
		t.refresh.Stop()
		t.refresh = nil
	}
	t.refreshGen++
	if !t.typing {
		return
	}
	t.typing = false
	t.enqueue(false)
}

// enqueue replaces any unwritten value. Callers hold mu.
func (t *TypingTracker) enqueue(typing bool) {
	select {
	case <-t.pending:
	default:
	}
	t.pending <- typing
}

func (t *TypingTracker) writeLoop() {
	defer close(t.done)
	for typing := range t.pending {
		ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
		_, err := t.repo.Set(ctx, entity.TypingState{
			ConversationId: t.conversationId,
			ParticipantId:  t.participantId,
			Typing:         typing,
		})
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Bool("typing", typing).Msg("Write typing state")
		}
	}
}
