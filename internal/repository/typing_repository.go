package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"jobtalk/infrastructure/cache"
	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

// TypingRepository stores the ephemeral typing flag of each participant.
// Stored flags expire after the stale threshold; readers still apply
// TypingState.IsTyping since expiry is not instantaneous.
type TypingRepository interface {
	// Set stamps UpdatedAt, stores the state and notifies subscribers.
	Set(ctx context.Context, state entity.TypingState) (entity.TypingState, error)
	// Get returns the stored state, or an idle state when none is stored.
	Get(ctx context.Context, conversationId, participantId string) (entity.TypingState, error)
}

func typingKey(conversationId, participantId string) string {
	return "typing:" + conversationId + ":" + participantId
}

type redisTypingRepository struct {
	rdb        *redis.Client
	staleAfter time.Duration
	notify     notifier
	now        func() time.Time
}

func NewRedisTypingRepository(rdb *redis.Client, f feed.Feed, staleAfter time.Duration, log zerolog.Logger) TypingRepository {
	if staleAfter <= 0 {
		staleAfter = entity.TypingStaleAfter
	}
	return &redisTypingRepository{
		rdb:        rdb,
		staleAfter: staleAfter,
		notify:     notifier{feed: f, log: log.With().Str("component", "typing_repository").Logger()},
		now:        time.Now,
	}
}

func (r *redisTypingRepository) Set(ctx context.Context, state entity.TypingState) (entity.TypingState, error) {
	if err := validateParticipant(state.ParticipantId); err != nil {
		return entity.TypingState{}, fmt.Errorf("repository: SetTyping: %w", err)
	}
	state.UpdatedAt = r.now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return entity.TypingState{}, fmt.Errorf("repository: SetTyping: %w", err)
	}
	if err := r.rdb.Set(ctx, typingKey(state.ConversationId, state.ParticipantId), data, r.staleAfter).Err(); err != nil {
		return entity.TypingState{}, fmt.Errorf("repository: SetTyping: %w: %w", ErrStoreUnavailable, err)
	}

	r.notify.typingChanged(ctx, state)
	return state, nil
}

func (r *redisTypingRepository) Get(ctx context.Context, conversationId, participantId string) (entity.TypingState, error) {
	idle := entity.TypingState{ConversationId: conversationId, ParticipantId: participantId}

	data, err := r.rdb.Get(ctx, typingKey(conversationId, participantId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return idle, nil
		}
		return entity.TypingState{}, fmt.Errorf("repository: GetTyping: %w: %w", ErrStoreUnavailable, err)
	}

	var state entity.TypingState
	if err := json.Unmarshal(data, &state); err != nil {
		return idle, nil
	}
	return state, nil
}

type memoryTypingRepository struct {
	states     *cache.MemCache[entity.TypingState]
	staleAfter time.Duration
	notify     notifier
	now        func() time.Time
}

func NewMemoryTypingRepository(states *cache.MemCache[entity.TypingState], f feed.Feed, staleAfter time.Duration, log zerolog.Logger) TypingRepository {
	return newMemoryTypingRepository(states, f, staleAfter, log, time.Now)
}

func newMemoryTypingRepository(states *cache.MemCache[entity.TypingState], f feed.Feed, staleAfter time.Duration, log zerolog.Logger, now func() time.Time) *memoryTypingRepository {
	if staleAfter <= 0 {
		staleAfter = entity.TypingStaleAfter
	}
	return &memoryTypingRepository{
		states:     states,
		staleAfter: staleAfter,
		notify:     notifier{feed: f, log: log.With().Str("component", "typing_repository").Logger()},
		now:        now,
	}
}

func (r *memoryTypingRepository) Set(ctx context.Context, state entity.TypingState) (entity.TypingState, error) {
	if err := validateParticipant(state.ParticipantId); err != nil {
		return entity.TypingState{}, fmt.Errorf("repository: SetTyping: %w", err)
	}
	state.UpdatedAt = r.now().UTC()
	r.states.Set(typingKey(state.ConversationId, state.ParticipantId), state, r.staleAfter)
	r.notify.typingChanged(ctx, state)
	return state, nil
}

func (r *memoryTypingRepository) Get(ctx context.Context, conversationId, participantId string) (entity.TypingState, error) {
	if state, ok := r.states.Get(typingKey(conversationId, participantId)); ok {
		return state, nil
	}
	return entity.TypingState{ConversationId: conversationId, ParticipantId: participantId}, nil
}
