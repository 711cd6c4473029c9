package usecase

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"jobtalk/infrastructure/blob"
	"jobtalk/infrastructure/cache"
	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

type testEnv struct {
	feed     *feed.MemoryFeed
	repo     repository.ConversationRepository
	typing   repository.TypingRepository
	source   Source
	blobs    *blob.MemoryStore
	uploader *AttachmentUploader
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()

	f := feed.NewMemoryFeed(log)
	go f.Run()
	t.Cleanup(func() { _ = f.Close() })

	states := cache.NewMemCache[entity.TypingState](0)
	t.Cleanup(states.Close)

	repo := repository.NewMemoryConversationRepository(f, log)
	typing := repository.NewMemoryTypingRepository(states, f, time.Minute, log)
	blobs := blob.NewMemoryStore()

	return &testEnv{
		feed:     f,
		repo:     repo,
		typing:   typing,
		source:   NewFeedSource(repo, typing, f, 50),
		blobs:    blobs,
		uploader: NewAttachmentUploader(blobs, UploaderConfig{BaseURL: "http://files.test", ChunkSize: 4}, log),
		clock:    newFakeClock(time.Now()),
	}
}

func (e *testEnv) view(t *testing.T, userId string) (*ConversationView, *recorder) {
	t.Helper()
	rec := &recorder{}
	v := NewConversationView(userId, ViewDeps{
		Repo:     e.repo,
		Typing:   e.typing,
		Source:   e.source,
		Uploader: e.uploader,
		Clock:    e.clock,
		Log:      zerolog.Nop(),
	}, ViewConfig{
		TypingStaleAfter: 5 * time.Second,
		Backoff:          Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}, rec.add)
	go v.Run()
	t.Cleanup(v.Shutdown)
	return v, rec
}

func (e *testEnv) conversation(t *testing.T, a, b string) entity.Conversation {
	t.Helper()
	conv, _, err := e.repo.GetOrCreate(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func (e *testEnv) send(t *testing.T, convId, sender, body string) entity.Message {
	t.Helper()
	msg, err := e.repo.Send(context.Background(), entity.OutgoingMessage{ConversationId: convId, SenderId: sender, Body: body})
	require.NoError(t, err)
	return msg
}

func snapshot(t *testing.T, v *ConversationView) ViewSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := v.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

func waitSnapshot(t *testing.T, v *ConversationView, cond func(ViewSnapshot) bool) ViewSnapshot {
	t.Helper()
	var last ViewSnapshot
	require.Eventually(t, func() bool {
		last = snapshot(t, v)
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

type recorder struct {
	mu     sync.Mutex
	events []ViewEvent
}

func (r *recorder) add(ev ViewEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) of(kind ViewEventKind) []ViewEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ViewEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind ViewEventKind) ViewEvent {
	t.Helper()
	var found ViewEvent
	require.Eventually(t, func() bool {
		evs := r.of(kind)
		if len(evs) == 0 {
			return false
		}
		found = evs[len(evs)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no %s event", kind)
	return found
}

// fakeClock fires AfterFunc callbacks only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
