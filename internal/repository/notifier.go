package repository

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

// notifier publishes committed changes. Publishing is best effort: the write
// is already durable and subscribers resync when they reconnect.
type notifier struct {
	feed feed.Feed
	log  zerolog.Logger
}

func (n notifier) publish(ctx context.Context, topic string, v any) {
	if n.feed == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Error().Err(err).Str("topic", topic).Msg("Marshal change notification")
		return
	}
	if err := n.feed.Publish(context.WithoutCancel(ctx), topic, payload); err != nil {
		n.log.Warn().Err(err).Str("topic", topic).Msg("Publish change notification")
	}
}

func (n notifier) conversationCreated(ctx context.Context, conv entity.Conversation) {
	for _, userId := range conv.Participants {
		n.publish(ctx, feed.MembershipTopic(userId), conv)
	}
	n.publish(ctx, feed.SummaryTopic(conv.Id), conv)
}

func (n notifier) summaryChanged(ctx context.Context, conv entity.Conversation) {
	n.publish(ctx, feed.SummaryTopic(conv.Id), conv)
}

func (n notifier) messagesChanged(ctx context.Context, conversationId, kind string, ids []string) {
	n.publish(ctx, feed.MessagesTopic(conversationId), entity.MessageChange{Kind: kind, MessageIds: ids})
}

func (n notifier) typingChanged(ctx context.Context, state entity.TypingState) {
	n.publish(ctx, feed.TypingTopic(state.ConversationId, state.ParticipantId), state)
}
