package usecase

import (
	"context"
	"fmt"

	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ConversationUsecase serves the request/response surface; live views go
// through ConversationView.
type ConversationUsecase interface {
	// Index returns the user's conversations, most recently active first.
	Index(ctx context.Context, userId string) ([]entity.Conversation, error)
	// Start returns the conversation with otherUserId, creating it on first
	// contact.
	Start(ctx context.Context, userId, otherUserId string) (entity.Conversation, bool, error)
	Get(ctx context.Context, conversationId, userId string) (entity.Conversation, error)
	// History returns up to limit messages, oldest first, ending at the
	// newest message.
	History(ctx context.Context, conversationId, userId string, limit int) ([]entity.Message, error)
	UnreadTotal(ctx context.Context, userId string) (entity.UnreadSummary, error)
	// Attachment authorizes userId to download blobId.
	Attachment(ctx context.Context, blobId, userId string) (entity.Attachment, error)
}

type conversationUsecase struct {
	repo repository.ConversationRepository
}

func NewConversationUsecase(repo repository.ConversationRepository) ConversationUsecase {
	return &conversationUsecase{repo: repo}
}

func (c *conversationUsecase) Index(ctx context.Context, userId string) ([]entity.Conversation, error) {
	conversations, err := c.repo.ListByParticipant(ctx, userId)
	if err != nil {
		return nil, Classify(err)
	}
	return conversations, nil
}

func (c *conversationUsecase) Start(ctx context.Context, userId, otherUserId string) (entity.Conversation, bool, error) {
	if userId == otherUserId {
		return entity.Conversation{}, false, validationError("cannot start a conversation with yourself", repository.ErrInvalidParticipant)
	}
	conv, created, err := c.repo.GetOrCreate(ctx, userId, otherUserId)
	if err != nil {
		return entity.Conversation{}, false, Classify(err)
	}
	return conv, created, nil
}

func (c *conversationUsecase) Get(ctx context.Context, conversationId, userId string) (entity.Conversation, error) {
	conv, err := c.repo.Open(ctx, conversationId, userId)
	if err != nil {
		return entity.Conversation{}, Classify(err)
	}
	return conv, nil
}

func (c *conversationUsecase) History(ctx context.Context, conversationId, userId string, limit int) ([]entity.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return nil, validationError(fmt.Sprintf("limit must be at most %d", MaxHistoryLimit), nil)
	}

	if _, err := c.repo.Open(ctx, conversationId, userId); err != nil {
		return nil, Classify(err)
	}
	messages, err := c.repo.Messages(ctx, conversationId, entity.MessageCursor{}, limit)
	if err != nil {
		return nil, Classify(err)
	}
	return messages, nil
}

func (c *conversationUsecase) UnreadTotal(ctx context.Context, userId string) (entity.UnreadSummary, error) {
	conversations, err := c.repo.ListByParticipant(ctx, userId)
	if err != nil {
		return entity.UnreadSummary{}, Classify(err)
	}

	summary := entity.UnreadSummary{UserId: userId, ByConversation: make(map[string]int, len(conversations))}
	for _, conv := range conversations {
		n := conv.UnreadFor(userId)
		summary.ByConversation[conv.Id] = n
		summary.Total += n
	}
	return summary, nil
}

func (c *conversationUsecase) Attachment(ctx context.Context, blobId, userId string) (entity.Attachment, error) {
	if blobId == "" {
		return entity.Attachment{}, validationError("blob id is required", nil)
	}
	att, err := c.repo.Attachment(ctx, blobId, userId)
	if err != nil {
		return entity.Attachment{}, Classify(err)
	}
	return att, nil
}
