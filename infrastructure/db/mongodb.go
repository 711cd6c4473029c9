package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
	AttachmentsBucket       = "attachments"
)

type MongoStore struct {
	Client *mongo.Client
	DB     *mongo.Database
}

// NewMongoStore connects and pings. Multi-document transactions need the
// deployment to be a replica set or sharded cluster.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("db: mongo uri required")
	}
	if dbName == "" {
		return nil, errors.New("db: database name required")
	}

	clientOpts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	store := &MongoStore{
		Client: client,
		DB:     client.Database(dbName),
	}
	return store, nil
}

// EnsureIndexes creates the indexes the conversation queries rely on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := m.DB.Collection(ConversationsCollection).Indexes().CreateMany(indexCtx, conversationIndexes())
	if err != nil {
		return fmt.Errorf("db: conversation indexes: %w", err)
	}
	_, err = m.DB.Collection(MessagesCollection).Indexes().CreateMany(indexCtx, messageIndexes())
	if err != nil {
		return fmt.Errorf("db: message indexes: %w", err)
	}
	return nil
}

func conversationIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participantKey", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("participant_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "lastMessage.timestamp", Value: -1}},
			Options: options.Index().SetName("participants_last_message"),
		},
	}
}

func messageIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("conversation_order"),
		},
		{
			Keys:    bson.D{{Key: "attachment.blobId", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("attachment_blob"),
		},
	}
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.Client.Disconnect(disconnectCtx)
}

func (m *MongoStore) Ping(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return errors.New("mongo client is nil")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.Client.Ping(pingCtx, nil)
}
