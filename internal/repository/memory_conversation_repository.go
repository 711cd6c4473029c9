package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

// memoryConversationRepository keeps everything in process. It backs local
// development when no MongoDB URI is configured, and the tests.
type memoryConversationRepository struct {
	mu            sync.Mutex
	conversations map[string]*entity.Conversation
	byKey         map[string]string
	messages      map[string][]entity.Message
	notify        notifier
	now           func() time.Time
}

func NewMemoryConversationRepository(f feed.Feed, log zerolog.Logger) ConversationRepository {
	return newMemoryConversationRepository(f, log, time.Now)
}

func newMemoryConversationRepository(f feed.Feed, log zerolog.Logger, now func() time.Time) *memoryConversationRepository {
	return &memoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]entity.Message),
		notify:        notifier{feed: f, log: log.With().Str("component", "conversation_repository").Logger()},
		now:           now,
	}
}

func (r *memoryConversationRepository) Open(ctx context.Context, conversationId, userId string) (entity.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return entity.Conversation{}, wrap("Open", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationId]
	if !ok {
		return entity.Conversation{}, wrap("Open", ErrConversationNotFound)
	}
	if !conv.HasParticipant(userId) {
		return entity.Conversation{}, wrap("Open", ErrNotParticipant)
	}
	return cloneConversation(*conv), nil
}

func (r *memoryConversationRepository) GetOrCreate(ctx context.Context, userId, otherUserId string) (entity.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.Conversation{}, false, wrap("GetOrCreate", err)
	}
	conv, err := newConversation(userId, otherUserId, r.now())
	if err != nil {
		return entity.Conversation{}, false, wrap("GetOrCreate", err)
	}

	r.mu.Lock()
	if id, ok := r.byKey[conv.ParticipantKey]; ok {
		existing := cloneConversation(*r.conversations[id])
		r.mu.Unlock()
		return existing, false, nil
	}
	stored := cloneConversation(conv)
	r.conversations[conv.Id] = &stored
	r.byKey[conv.ParticipantKey] = conv.Id
	r.mu.Unlock()

	r.notify.conversationCreated(ctx, conv)
	return conv, true, nil
}

func (r *memoryConversationRepository) ListByParticipant(ctx context.Context, userId string) ([]entity.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("ListByParticipant", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conversations := make([]entity.Conversation, 0)
	for _, conv := range r.conversations {
		if conv.HasParticipant(userId) {
			conversations = append(conversations, cloneConversation(*conv))
		}
	}
	sort.Slice(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		if !a.LastMessage.Timestamp.Equal(b.LastMessage.Timestamp) {
			return a.LastMessage.Timestamp.After(b.LastMessage.Timestamp)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return conversations, nil
}

func (r *memoryConversationRepository) Messages(ctx context.Context, conversationId string, after entity.MessageCursor, limit int) ([]entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("Messages", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.messages[conversationId]
	start := 0
	if !after.IsZero() {
		start = sort.Search(len(all), func(i int) bool {
			return after.Before(all[i].Cursor())
		})
	}
	selected := all[start:]

	if limit > 0 && len(selected) > limit {
		if after.IsZero() {
			selected = selected[len(selected)-limit:]
		} else {
			selected = selected[:limit]
		}
	}

	messages := make([]entity.Message, len(selected))
	for i, m := range selected {
		messages[i] = cloneMessage(m)
	}
	return messages, nil
}

func (r *memoryConversationRepository) Send(ctx context.Context, out entity.OutgoingMessage) (entity.Message, error) {
	if err := ctx.Err(); err != nil {
		return entity.Message{}, wrap("Send", err)
	}
	if err := validateOutgoing(out); err != nil {
		return entity.Message{}, wrap("Send", err)
	}

	r.mu.Lock()
	conv, ok := r.conversations[out.ConversationId]
	if !ok {
		r.mu.Unlock()
		return entity.Message{}, wrap("Send", ErrConversationNotFound)
	}
	other, ok := conv.OtherParticipant(out.SenderId)
	if !ok {
		r.mu.Unlock()
		return entity.Message{}, wrap("Send", ErrNotParticipant)
	}

	msg := newMessage(out, nextMessageTime(r.now(), conv.LastMessage.Timestamp))
	r.messages[conv.Id] = append(r.messages[conv.Id], msg)

	conv.LastMessage = entity.LastMessage{
		Text:      msg.Preview(),
		SenderId:  msg.SenderId,
		Timestamp: msg.CreatedAt,
	}
	conv.UpdatedAt = msg.CreatedAt
	if conv.Unread == nil {
		conv.Unread = make(map[string]int)
	}
	conv.Unread[other]++
	conv.Version++
	summary := cloneConversation(*conv)
	r.mu.Unlock()

	r.notify.messagesChanged(ctx, summary.Id, entity.MessageChangeAppended, []string{msg.Id})
	r.notify.summaryChanged(ctx, summary)
	return cloneMessage(msg), nil
}

func (r *memoryConversationRepository) MarkRead(ctx context.Context, conversationId, readerId string, messageIds []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("MarkRead", err)
	}
	ids := uniqueIds(messageIds)

	r.mu.Lock()
	conv, ok := r.conversations[conversationId]
	if !ok {
		r.mu.Unlock()
		return nil, wrap("MarkRead", ErrConversationNotFound)
	}
	other, ok := conv.OtherParticipant(readerId)
	if !ok {
		r.mu.Unlock()
		return nil, wrap("MarkRead", ErrNotParticipant)
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var changed []string
	readAt := r.now().UTC()
	msgs := r.messages[conversationId]
	for i := range msgs {
		m := &msgs[i]
		if _, ok := wanted[m.Id]; !ok || m.SenderId != other || m.IsRead {
			continue
		}
		m.IsRead = true
		at := readAt
		m.ReadAt = &at
		changed = append(changed, m.Id)
	}

	reset := conv.UnreadFor(readerId) != 0
	if reset {
		conv.Unread[readerId] = 0
		conv.Version++
	}
	summary := cloneConversation(*conv)
	r.mu.Unlock()

	if len(changed) > 0 {
		r.notify.messagesChanged(ctx, conversationId, entity.MessageChangeRead, changed)
	}
	if reset {
		r.notify.summaryChanged(ctx, summary)
	}
	return changed, nil
}

func (r *memoryConversationRepository) Attachment(ctx context.Context, blobId, userId string) (entity.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return entity.Attachment{}, wrap("Attachment", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for conversationId, msgs := range r.messages {
		for _, m := range msgs {
			if m.Attachment == nil || m.Attachment.BlobId != blobId {
				continue
			}
			if !r.conversations[conversationId].HasParticipant(userId) {
				return entity.Attachment{}, wrap("Attachment", ErrNotParticipant)
			}
			return *m.Attachment, nil
		}
	}
	return entity.Attachment{}, wrap("Attachment", ErrAttachmentNotFound)
}

func cloneConversation(c entity.Conversation) entity.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	unread := make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	c.Unread = unread
	return c
}

func cloneMessage(m entity.Message) entity.Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}
