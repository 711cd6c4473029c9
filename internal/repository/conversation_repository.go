package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"jobtalk/infrastructure/db"
	"jobtalk/infrastructure/feed"
	"jobtalk/internal/entity"
)

// ConversationRepository is the only writer of conversations and messages.
type ConversationRepository interface {
	// Open returns the conversation once userId is confirmed as a participant.
	Open(ctx context.Context, conversationId, userId string) (entity.Conversation, error)
	// GetOrCreate returns the conversation between two users, creating it on
	// first contact. created reports whether this call created it.
	GetOrCreate(ctx context.Context, userId, otherUserId string) (conv entity.Conversation, created bool, err error)
	ListByParticipant(ctx context.Context, userId string) ([]entity.Conversation, error)
	// Messages returns messages ordered by creation time then id. With a zero
	// cursor and a positive limit it returns the latest limit messages.
	Messages(ctx context.Context, conversationId string, after entity.MessageCursor, limit int) ([]entity.Message, error)
	// Send appends the message, updates the summary and increments the other
	// participant's unread counter as one atomic unit. It is never retried.
	Send(ctx context.Context, msg entity.OutgoingMessage) (entity.Message, error)
	// MarkRead flags the other participant's messages among messageIds as read
	// and zeroes the reader's counter. It returns the ids that changed.
	MarkRead(ctx context.Context, conversationId, readerId string, messageIds []string) ([]string, error)
	// Attachment returns the attachment stored under blobId once userId is
	// confirmed as a participant of the conversation whose message holds it.
	Attachment(ctx context.Context, blobId, userId string) (entity.Attachment, error)
}

type mongoConversationRepository struct {
	client *mongo.Client
	db     *mongo.Database
	notify notifier
	now    func() time.Time
}

func NewConversationRepository(client *mongo.Client, database *mongo.Database, f feed.Feed, log zerolog.Logger) ConversationRepository {
	return &mongoConversationRepository{
		client: client,
		db:     database,
		notify: notifier{feed: f, log: log.With().Str("component", "conversation_repository").Logger()},
		now:    time.Now,
	}
}

func (r *mongoConversationRepository) conversations() *mongo.Collection {
	return r.db.Collection(db.ConversationsCollection)
}

func (r *mongoConversationRepository) messages() *mongo.Collection {
	return r.db.Collection(db.MessagesCollection)
}

func (r *mongoConversationRepository) Open(ctx context.Context, conversationId, userId string) (entity.Conversation, error) {
	conv, err := r.findConversation(ctx, conversationId)
	if err != nil {
		return entity.Conversation{}, wrap("Open", err)
	}
	if !conv.HasParticipant(userId) {
		return entity.Conversation{}, wrap("Open", ErrNotParticipant)
	}
	return conv, nil
}

func (r *mongoConversationRepository) findConversation(ctx context.Context, conversationId string) (entity.Conversation, error) {
	var conv entity.Conversation
	err := r.conversations().FindOne(ctx, bson.M{"_id": conversationId}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.Conversation{}, ErrConversationNotFound
		}
		return entity.Conversation{}, err
	}
	return conv, nil
}

func (r *mongoConversationRepository) GetOrCreate(ctx context.Context, userId, otherUserId string) (entity.Conversation, bool, error) {
	conv, err := newConversation(userId, otherUserId, r.now())
	if err != nil {
		return entity.Conversation{}, false, wrap("GetOrCreate", err)
	}

	existing, err := r.findByParticipantKey(ctx, conv.ParticipantKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return entity.Conversation{}, false, wrap("GetOrCreate", err)
	}

	if _, err := r.conversations().InsertOne(ctx, conv); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost a creation race; the unique pair key guarantees one winner.
			existing, err := r.findByParticipantKey(ctx, conv.ParticipantKey)
			if err != nil {
				return entity.Conversation{}, false, wrap("GetOrCreate", err)
			}
			return existing, false, nil
		}
		return entity.Conversation{}, false, wrap("GetOrCreate", err)
	}

	r.notify.conversationCreated(ctx, conv)
	return conv, true, nil
}

func (r *mongoConversationRepository) findByParticipantKey(ctx context.Context, key string) (entity.Conversation, error) {
	var conv entity.Conversation
	err := r.conversations().FindOne(ctx, bson.M{"participantKey": key}).Decode(&conv)
	return conv, err
}

func (r *mongoConversationRepository) ListByParticipant(ctx context.Context, userId string) ([]entity.Conversation, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "lastMessage.timestamp", Value: -1},
		{Key: "createdAt", Value: -1},
	})
	cursor, err := r.conversations().Find(ctx, bson.M{"participants": userId}, opts)
	if err != nil {
		return nil, wrap("ListByParticipant", err)
	}

	conversations := make([]entity.Conversation, 0)
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, wrap("ListByParticipant", err)
	}
	return conversations, nil
}

func (r *mongoConversationRepository) Messages(ctx context.Context, conversationId string, after entity.MessageCursor, limit int) ([]entity.Message, error) {
	filter, opts, reverse := messagesQuery(conversationId, after, limit)
	cursor, err := r.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("Messages", err)
	}

	messages := make([]entity.Message, 0)
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, wrap("Messages", err)
	}
	if reverse {
		reverseMessages(messages)
	}
	return messages, nil
}

func (r *mongoConversationRepository) Send(ctx context.Context, out entity.OutgoingMessage) (entity.Message, error) {
	if err := validateOutgoing(out); err != nil {
		return entity.Message{}, wrap("Send", err)
	}

	var (
		msg  entity.Message
		conv entity.Conversation
	)
	err := r.inTransaction(ctx, func(sc mongo.SessionContext) error {
		current, err := r.findConversation(sc, out.ConversationId)
		if err != nil {
			return err
		}
		other, ok := current.OtherParticipant(out.SenderId)
		if !ok {
			return ErrNotParticipant
		}

		msg = newMessage(out, nextMessageTime(r.now(), current.LastMessage.Timestamp))
		if _, err := r.messages().InsertOne(sc, msg); err != nil {
			return err
		}

		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		return r.conversations().
			FindOneAndUpdate(sc, bson.M{"_id": current.Id}, sendUpdate(msg, other), opts).
			Decode(&conv)
	})
	if err != nil {
		return entity.Message{}, wrap("Send", err)
	}

	r.notify.messagesChanged(ctx, conv.Id, entity.MessageChangeAppended, []string{msg.Id})
	r.notify.summaryChanged(ctx, conv)
	return msg, nil
}

func (r *mongoConversationRepository) MarkRead(ctx context.Context, conversationId, readerId string, messageIds []string) ([]string, error) {
	ids := uniqueIds(messageIds)

	var (
		changed []string
		conv    entity.Conversation
		reset   bool
	)
	err := r.inTransaction(ctx, func(sc mongo.SessionContext) error {
		current, err := r.findConversation(sc, conversationId)
		if err != nil {
			return err
		}
		other, ok := current.OtherParticipant(readerId)
		if !ok {
			return ErrNotParticipant
		}

		changed = nil
		if len(ids) > 0 {
			filter := unreadFilter(conversationId, other, ids)
			cursor, err := r.messages().Find(sc, filter, options.Find().SetProjection(bson.M{"_id": 1}))
			if err != nil {
				return err
			}
			var rows []struct {
				Id string `bson:"_id"`
			}
			if err := cursor.All(sc, &rows); err != nil {
				return err
			}
			for _, row := range rows {
				changed = append(changed, row.Id)
			}
		}

		if len(changed) > 0 {
			update := bson.M{"$set": bson.M{"isRead": true, "readAt": r.now().UTC()}}
			filter := bson.M{"_id": bson.M{"$in": changed}, "isRead": false}
			if _, err := r.messages().UpdateMany(sc, filter, update); err != nil {
				return err
			}
		}

		reset = current.UnreadFor(readerId) != 0
		if !reset {
			conv = current
			return nil
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		return r.conversations().
			FindOneAndUpdate(sc, bson.M{"_id": current.Id}, resetUnreadUpdate(readerId), opts).
			Decode(&conv)
	})
	if err != nil {
		return nil, wrap("MarkRead", err)
	}

	if len(changed) > 0 {
		r.notify.messagesChanged(ctx, conversationId, entity.MessageChangeRead, changed)
	}
	if reset {
		r.notify.summaryChanged(ctx, conv)
	}
	return changed, nil
}

// inTransaction runs fn in a multi-document transaction. The transaction is
// committed once; a failed commit is reported, not retried.
func (r *mongoConversationRepository) Attachment(ctx context.Context, blobId, userId string) (entity.Attachment, error) {
	var msg entity.Message
	opts := options.FindOne().SetProjection(bson.M{"conversationId": 1, "attachment": 1})
	err := r.messages().FindOne(ctx, bson.M{"attachment.blobId": blobId}, opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.Attachment{}, wrap("Attachment", ErrAttachmentNotFound)
		}
		return entity.Attachment{}, wrap("Attachment", err)
	}
	if msg.Attachment == nil {
		return entity.Attachment{}, wrap("Attachment", ErrAttachmentNotFound)
	}
	if _, err := r.Open(ctx, msg.ConversationId, userId); err != nil {
		return entity.Attachment{}, err
	}
	return *msg.Attachment, nil
}

func (r *mongoConversationRepository) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	return r.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		if err := sc.StartTransaction(); err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			_ = sc.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		return sc.CommitTransaction(sc)
	})
}

func newConversation(userId, otherUserId string, now time.Time) (entity.Conversation, error) {
	if err := validateParticipant(userId); err != nil {
		return entity.Conversation{}, err
	}
	if err := validateParticipant(otherUserId); err != nil {
		return entity.Conversation{}, err
	}
	if userId == otherUserId {
		return entity.Conversation{}, ErrInvalidParticipant
	}
	pair, key := entity.ParticipantPair(userId, otherUserId)
	now = now.UTC().Truncate(time.Millisecond)
	return entity.Conversation{
		Id:             uuid.NewString(),
		Participants:   pair,
		ParticipantKey: key,
		Unread:         map[string]int{pair[0]: 0, pair[1]: 0},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func newMessage(out entity.OutgoingMessage, createdAt time.Time) entity.Message {
	return entity.Message{
		Id:             newMessageId(),
		ConversationId: out.ConversationId,
		SenderId:       out.SenderId,
		Body:           out.Body,
		Attachment:     out.Attachment,
		CreatedAt:      createdAt,
	}
}

func newMessageId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// nextMessageTime assigns a creation time at store precision that is strictly
// after the previous message in the conversation, so commit order and read
// order agree even when clocks step backwards.
func nextMessageTime(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Add(time.Millisecond)
	}
	return ts
}

func sendUpdate(msg entity.Message, recipientId string) bson.M {
	return bson.M{
		"$set": bson.M{
			"lastMessage": entity.LastMessage{
				Text:      msg.Preview(),
				SenderId:  msg.SenderId,
				Timestamp: msg.CreatedAt,
			},
			"updatedAt": msg.CreatedAt,
		},
		"$inc": bson.M{
			"unread." + recipientId: 1,
			"version":               1,
		},
	}
}

func resetUnreadUpdate(readerId string) bson.M {
	return bson.M{
		"$set": bson.M{"unread." + readerId: 0},
		"$inc": bson.M{"version": 1},
	}
}

func unreadFilter(conversationId, senderId string, ids []string) bson.M {
	return bson.M{
		"conversationId": conversationId,
		"senderId":       senderId,
		"isRead":         false,
		"_id":            bson.M{"$in": ids},
	}
}

// messagesQuery builds the ordered message query. reverse is set when the
// query reads newest first to honour a limit and the rows must be flipped.
func messagesQuery(conversationId string, after entity.MessageCursor, limit int) (bson.M, *options.FindOptions, bool) {
	filter := bson.M{"conversationId": conversationId}
	opts := options.Find()

	if !after.IsZero() {
		filter["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$gt": after.CreatedAt}},
			bson.M{"createdAt": after.CreatedAt, "_id": bson.M{"$gt": after.Id}},
		}
	}

	reverse := after.IsZero() && limit > 0
	if reverse {
		opts.SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	} else {
		opts.SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return filter, opts, reverse
}

func reverseMessages(msgs []entity.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func uniqueIds(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
