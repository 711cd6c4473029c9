package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

type feedSource struct {
	repo         repository.ConversationRepository
	typing       repository.TypingRepository
	feed         feed.Feed
	messageLimit int
}

// NewFeedSource builds topic streams over the repositories and the change
// feed. messageLimit bounds the snapshot a message stream starts with.
func NewFeedSource(repo repository.ConversationRepository, typing repository.TypingRepository, f feed.Feed, messageLimit int) Source {
	return &feedSource{repo: repo, typing: typing, feed: f, messageLimit: messageLimit}
}

func (s *feedSource) Stream(topic Topic) Stream {
	switch topic.Kind {
	case TopicMessages:
		return &messageStream{inner: repository.NewMessageStream(s.repo, s.feed, topic.ConversationId, s.messageLimit)}

	case TopicTyping:
		return &feedStream{
			feed:     s.feed,
			topic:    feed.TypingTopic(topic.ConversationId, topic.ParticipantId),
			coalesce: true,
			snapshot: func(ctx context.Context) (Update, error) {
				state, err := s.typing.Get(ctx, topic.ConversationId, topic.ParticipantId)
				if err != nil {
					return Update{}, err
				}
				return Update{Typing: &state}, nil
			},
			decode: func(payload []byte) (Update, error) {
				var state entity.TypingState
				if err := json.Unmarshal(payload, &state); err != nil {
					return Update{}, err
				}
				return Update{Typing: &state}, nil
			},
		}

	case TopicSummary:
		return &feedStream{
			feed:     s.feed,
			topic:    feed.SummaryTopic(topic.ConversationId),
			coalesce: true,
			snapshot: func(ctx context.Context) (Update, error) {
				conv, err := s.repo.Open(ctx, topic.ConversationId, topic.UserId)
				if err != nil {
					return Update{}, err
				}
				return Update{Summary: &conv}, nil
			},
			decode: func(payload []byte) (Update, error) {
				var conv entity.Conversation
				if err := json.Unmarshal(payload, &conv); err != nil {
					return Update{}, err
				}
				return Update{Summary: &conv}, nil
			},
		}

	case TopicMembership:
		return &feedStream{
			feed:  s.feed,
			topic: feed.MembershipTopic(topic.UserId),
			snapshot: func(ctx context.Context) (Update, error) {
				convs, err := s.repo.ListByParticipant(ctx, topic.UserId)
				if err != nil {
					return Update{}, err
				}
				return Update{Conversations: convs, Full: true}, nil
			},
			decode: func(payload []byte) (Update, error) {
				var conv entity.Conversation
				if err := json.Unmarshal(payload, &conv); err != nil {
					return Update{}, err
				}
				return Update{Conversations: []entity.Conversation{conv}}, nil
			},
		}
	}
	return errStream{err: fmt.Errorf("usecase: unknown topic kind %q", topic.Kind)}
}

type messageStream struct {
	inner *repository.MessageStream
}

func (s *messageStream) Next(ctx context.Context) (Update, error) {
	batch, err := s.inner.Next(ctx)
	if err != nil {
		return Update{}, err
	}
	return Update{Messages: &batch}, nil
}

func (s *messageStream) Close() {
	s.inner.Close()
}

// feedStream subscribes to a feed topic, then reads a snapshot, then decodes
// each notification. With coalesce set only the newest queued notification
// is returned.
type feedStream struct {
	feed     feed.Feed
	topic    string
	coalesce bool
	snapshot func(ctx context.Context) (Update, error)
	decode   func(payload []byte) (Update, error)

	sub *feed.Subscription
}

func (s *feedStream) Next(ctx context.Context) (Update, error) {
	if s.sub == nil {
		sub, err := s.feed.Subscribe(s.topic)
		if err != nil {
			return Update{}, fmt.Errorf("%w: %w", repository.ErrStoreUnavailable, err)
		}
		s.sub = sub

		update, err := s.snapshot(ctx)
		if err != nil {
			s.Close()
			return Update{}, err
		}
		return update, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case payload, ok := <-s.sub.C():
			if !ok {
				s.sub = nil
				return Update{}, fmt.Errorf("%w: subscription dropped", repository.ErrStoreUnavailable)
			}
			if s.coalesce {
				payload = s.latest(payload)
			}
			update, err := s.decode(payload)
			if err != nil {
				continue
			}
			return update, nil
		}
	}
}

func (s *feedStream) latest(payload []byte) []byte {
	for {
		select {
		case next, ok := <-s.sub.C():
			if !ok {
				return payload
			}
			payload = next
		default:
			return payload
		}
	}
}

func (s *feedStream) Close() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

type errStream struct {
	err error
}

func (s errStream) Next(context.Context) (Update, error) { return Update{}, s.err }
func (s errStream) Close()                               {}
