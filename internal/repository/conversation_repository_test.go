package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startFeed(t *testing.T) *feed.MemoryFeed {
	t.Helper()
	f := feed.NewMemoryFeed(zerolog.Nop())
	go f.Run()
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newTestRepo(t *testing.T) (*memoryConversationRepository, *feed.MemoryFeed, *fakeClock) {
	t.Helper()
	f := startFeed(t)
	clock := newFakeClock()
	return newMemoryConversationRepository(f, zerolog.Nop(), clock.Now), f, clock
}

func TestGetOrCreate_IsUniquePerPair(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	conv, created, err := repo.GetOrCreate(ctx, "seeker", "employer")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, []string{"employer", "seeker"}, conv.Participants)
	require.Equal(t, 0, conv.UnreadFor("seeker"))

	again, created, err := repo.GetOrCreate(ctx, "employer", "seeker")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv.Id, again.Id)
}

func TestGetOrCreate_RejectsInvalidParticipants(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"a", "a"}, {"", "b"}, {"a.b", "c"}, {"$a", "c"}} {
		_, _, err := repo.GetOrCreate(ctx, pair[0], pair[1])
		require.ErrorIs(t, err, ErrInvalidParticipant, "pair %v", pair)
	}
}

func TestOpen_ChecksParticipant(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "a", "b")
	require.NoError(t, err)

	_, err = repo.Open(ctx, conv.Id, "a")
	require.NoError(t, err)

	_, err = repo.Open(ctx, conv.Id, "mallory")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = repo.Open(ctx, "missing", "a")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSend_UpdatesSummaryAndRecipientCounter(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	msg, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "Interested in your profile"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Id)
	require.False(t, msg.IsRead)

	got, err := repo.Open(ctx, conv.Id, "B")
	require.NoError(t, err)
	require.Equal(t, 1, got.UnreadFor("B"))
	require.Equal(t, 0, got.UnreadFor("A"))
	require.Equal(t, "Interested in your profile", got.LastMessage.Text)
	require.Equal(t, "A", got.LastMessage.SenderId)
	require.Equal(t, msg.CreatedAt, got.LastMessage.Timestamp)
	require.Greater(t, got.Version, conv.Version)

	msgs, err := repo.Messages(ctx, conv.Id, entity.MessageCursor{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, msg.Id, msgs[0].Id)
}

func TestSend_Validation(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "C", Body: "hi"})
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: "nope", SenderId: "A", Body: "hi"})
	require.ErrorIs(t, err, ErrConversationNotFound)

	msgs, err := repo.Messages(ctx, conv.Id, entity.MessageCursor{}, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	got, err := repo.Open(ctx, conv.Id, "A")
	require.NoError(t, err)
	require.Equal(t, 0, got.UnreadFor("B"))
}

func TestSend_AttachmentOnlyIsValid(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	att := &entity.Attachment{BlobId: "b1", URL: "http://x/attachments/b1", MimeType: "application/pdf", Name: "cv.pdf", Size: 10}
	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "B", Attachment: att})
	require.NoError(t, err)

	got, err := repo.Open(ctx, conv.Id, "A")
	require.NoError(t, err)
	require.Equal(t, "Attachment: cv.pdf", got.LastMessage.Text)
}

func TestAttachment_OnlyParticipantsOfTheHoldingConversation(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	_, _, err = repo.GetOrCreate(ctx, "A", "C")
	require.NoError(t, err)

	att := &entity.Attachment{BlobId: "b1", MimeType: "application/pdf", Name: "cv.pdf", Size: 10}
	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "B", Attachment: att})
	require.NoError(t, err)

	got, err := repo.Attachment(ctx, "b1", "A")
	require.NoError(t, err)
	require.Equal(t, *att, got)

	_, err = repo.Attachment(ctx, "b1", "C")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = repo.Attachment(ctx, "b2", "A")
	require.ErrorIs(t, err, ErrAttachmentNotFound)
}

func TestSend_CreationTimesStrictlyIncrease(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	var prev entity.MessageCursor
	for i := 0; i < 5; i++ {
		if i == 3 {
			clock.Add(-time.Minute)
		}
		msg, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "m"})
		require.NoError(t, err)
		require.True(t, prev.Before(msg.Cursor()))
		prev = msg.Cursor()
	}
}

func TestMessages_CursorAndLimit(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	var sent []entity.Message
	for _, body := range []string{"1", "2", "3", "4"} {
		clock.Add(time.Second)
		msg, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: body})
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	latest, err := repo.Messages(ctx, conv.Id, entity.MessageCursor{}, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "4"}, bodies(latest))

	after, err := repo.Messages(ctx, conv.Id, sent[1].Cursor(), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "4"}, bodies(after))

	page, err := repo.Messages(ctx, conv.Id, sent[0].Cursor(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, bodies(page))
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	fromA, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "hi"})
	require.NoError(t, err)
	fromB, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "B", Body: "hello"})
	require.NoError(t, err)

	ids := []string{fromA.Id, fromB.Id, fromA.Id}
	changed, err := repo.MarkRead(ctx, conv.Id, "B", ids)
	require.NoError(t, err)
	require.Equal(t, []string{fromA.Id}, changed)

	first, err := repo.Open(ctx, conv.Id, "B")
	require.NoError(t, err)
	require.Equal(t, 0, first.UnreadFor("B"))
	require.Equal(t, 1, first.UnreadFor("A"))

	changed, err = repo.MarkRead(ctx, conv.Id, "B", ids)
	require.NoError(t, err)
	require.Empty(t, changed)

	second, err := repo.Open(ctx, conv.Id, "B")
	require.NoError(t, err)
	require.Equal(t, first, second)

	msgs, err := repo.Messages(ctx, conv.Id, entity.MessageCursor{}, 0)
	require.NoError(t, err)
	require.True(t, msgs[0].IsRead)
	require.NotNil(t, msgs[0].ReadAt)
	require.False(t, msgs[1].IsRead, "own messages are never flagged by the reader")
}

func TestMarkRead_EmptyIdsStillResetsCounter(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "hi"})
	require.NoError(t, err)

	changed, err := repo.MarkRead(ctx, conv.Id, "B", nil)
	require.NoError(t, err)
	require.Empty(t, changed)

	got, err := repo.Open(ctx, conv.Id, "B")
	require.NoError(t, err)
	require.Equal(t, 0, got.UnreadFor("B"))

	_, err = repo.MarkRead(ctx, conv.Id, "C", nil)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestListByParticipant_SortedByLastActivity(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()

	first, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	clock.Add(time.Second)
	second, _, err := repo.GetOrCreate(ctx, "A", "C")
	require.NoError(t, err)
	_, _, err = repo.GetOrCreate(ctx, "B", "C")
	require.NoError(t, err)

	clock.Add(time.Second)
	_, err = repo.Send(ctx, entity.OutgoingMessage{ConversationId: first.Id, SenderId: "B", Body: "latest"})
	require.NoError(t, err)

	list, err := repo.ListByParticipant(ctx, "A")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.Id, list[0].Id)
	require.Equal(t, second.Id, list[1].Id)
}

func TestNotifications(t *testing.T) {
	repo, f, _ := newTestRepo(t)
	ctx := context.Background()

	membership, err := f.Subscribe(feed.MembershipTopic("B"))
	require.NoError(t, err)
	conv, _, err := repo.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	require.Contains(t, string(receivePayload(t, membership)), conv.Id)

	messages, err := f.Subscribe(feed.MessagesTopic(conv.Id))
	require.NoError(t, err)
	summary, err := f.Subscribe(feed.SummaryTopic(conv.Id))
	require.NoError(t, err)

	msg, err := repo.Send(ctx, entity.OutgoingMessage{ConversationId: conv.Id, SenderId: "A", Body: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"appended","messageIds":["`+msg.Id+`"]}`, string(receivePayload(t, messages)))
	require.Contains(t, string(receivePayload(t, summary)), `"version":2`)

	_, err = repo.MarkRead(ctx, conv.Id, "B", []string{msg.Id})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"read","messageIds":["`+msg.Id+`"]}`, string(receivePayload(t, messages)))
}

func receivePayload(t *testing.T, sub *feed.Subscription) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.C():
		require.True(t, ok)
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func bodies(msgs []entity.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestNextMessageTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)
	require.Equal(t, now.Truncate(time.Millisecond), nextMessageTime(now, time.Time{}))

	last := now.Add(time.Second).Truncate(time.Millisecond)
	require.Equal(t, last.Add(time.Millisecond), nextMessageTime(now, last))
}

func TestMessagesQuery(t *testing.T) {
	filter, opts, reverse := messagesQuery("c1", entity.MessageCursor{}, 20)
	require.True(t, reverse)
	require.Equal(t, bson.M{"conversationId": "c1"}, filter)
	require.Equal(t, int64(20), *opts.Limit)
	require.Equal(t, bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}, opts.Sort)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	filter, opts, reverse = messagesQuery("c1", entity.MessageCursor{CreatedAt: at, Id: "m1"}, 0)
	require.False(t, reverse)
	require.Nil(t, opts.Limit)
	require.Len(t, filter["$or"], 2)
	require.Equal(t, bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}, opts.Sort)
}

func TestUpdateBuilders(t *testing.T) {
	msg := entity.Message{SenderId: "A", Body: "hi", CreatedAt: time.Unix(10, 0)}
	update := sendUpdate(msg, "B")
	require.Equal(t, bson.M{"unread.B": 1, "version": 1}, update["$inc"])

	reset := resetUnreadUpdate("B")
	require.Equal(t, bson.M{"unread.B": 0}, reset["$set"])
}

func TestWrap(t *testing.T) {
	require.Nil(t, wrap("Op", nil))

	err := wrap("Send", ErrNotParticipant)
	require.ErrorIs(t, err, ErrNotParticipant)
	require.False(t, IsTransient(err))

	err = wrap("Send", context.DeadlineExceeded)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = wrap("Send", mongo.ErrClientDisconnected)
	require.True(t, IsTransient(err))

	err = wrap("Send", errors.New("boom"))
	require.False(t, IsTransient(err))
}
