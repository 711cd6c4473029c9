package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

// MessageStream is the restartable, ordered message sequence of one
// conversation. The first batch after a (re)start is a full snapshot of the
// latest limit messages; later batches carry what changed since the cursor.
// Restarts never resume from the cursor: read flags changed while the
// subscription was gone only show up in a snapshot.
// A MessageStream is owned by a single consumer.
type MessageStream struct {
	repo           ConversationRepository
	feed           feed.Feed
	conversationId string
	limit          int

	cursor entity.MessageCursor
	sub    *feed.Subscription
}

func NewMessageStream(repo ConversationRepository, f feed.Feed, conversationId string, limit int) *MessageStream {
	return &MessageStream{
		repo:           repo,
		feed:           f,
		conversationId: conversationId,
		limit:          limit,
	}
}

// Cursor is the ordering key of the last delivered message.
func (s *MessageStream) Cursor() entity.MessageCursor {
	return s.cursor
}

// Next blocks until the next non-empty batch. A transient error leaves the
// stream restartable: the following call resubscribes and resyncs.
func (s *MessageStream) Next(ctx context.Context) (entity.MessageBatch, error) {
	if s.sub == nil {
		return s.start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return entity.MessageBatch{}, ctx.Err()
		case payload, ok := <-s.sub.C():
			if !ok {
				s.sub = nil
				return entity.MessageBatch{}, wrap("StreamMessages", fmt.Errorf("%w: subscription dropped", ErrStoreUnavailable))
			}

			readIds, open := s.drain(payload)
			msgs, err := s.repo.Messages(ctx, s.conversationId, s.cursor, 0)
			if err != nil {
				s.reset()
				return entity.MessageBatch{}, err
			}
			if !open {
				s.reset()
			}

			batch := entity.MessageBatch{
				ConversationId: s.conversationId,
				Messages:       msgs,
				ReadIds:        readIds,
			}
			s.advance(msgs)
			if batch.IsEmpty() {
				if !open {
					return s.start(ctx)
				}
				continue
			}
			return batch, nil
		}
	}
}

// start subscribes before reading so no change committed between the read
// and the subscription is lost.
func (s *MessageStream) start(ctx context.Context) (entity.MessageBatch, error) {
	sub, err := s.feed.Subscribe(feed.MessagesTopic(s.conversationId))
	if err != nil {
		return entity.MessageBatch{}, wrap("StreamMessages", fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
	s.sub = sub

	msgs, err := s.repo.Messages(ctx, s.conversationId, entity.MessageCursor{}, s.limit)
	if err != nil {
		s.reset()
		return entity.MessageBatch{}, err
	}

	s.cursor = entity.MessageCursor{}
	s.advance(msgs)
	return entity.MessageBatch{ConversationId: s.conversationId, Full: true, Messages: msgs}, nil
}

// drain coalesces every notification already queued behind first. open is
// false when the subscription was closed while draining.
func (s *MessageStream) drain(first []byte) (readIds []string, open bool) {
	readIds = appendReadIds(readIds, first)
	for {
		select {
		case payload, ok := <-s.sub.C():
			if !ok {
				return readIds, false
			}
			readIds = appendReadIds(readIds, payload)
		default:
			return readIds, true
		}
	}
}

func (s *MessageStream) advance(msgs []entity.Message) {
	if n := len(msgs); n > 0 {
		s.cursor = msgs[n-1].Cursor()
	}
}

func (s *MessageStream) reset() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

func (s *MessageStream) Close() {
	s.reset()
}

func appendReadIds(ids []string, payload []byte) []string {
	var change entity.MessageChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return ids
	}
	if change.Kind == entity.MessageChangeRead {
		ids = append(ids, change.MessageIds...)
	}
	return ids
}
