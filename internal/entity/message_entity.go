package entity

import (
	"strings"
	"time"
)

const previewLength = 140

type Message struct {
	Id             string      `bson:"_id" json:"id"`
	ConversationId string      `bson:"conversationId" json:"conversationId"`
	SenderId       string      `bson:"senderId" json:"senderId"`
	Body           string      `bson:"body" json:"body"`
	Attachment     *Attachment `bson:"attachment,omitempty" json:"attachment,omitempty"`
	CreatedAt      time.Time   `bson:"createdAt" json:"createdAt"`
	IsRead         bool        `bson:"isRead" json:"isRead"`
	ReadAt         *time.Time  `bson:"readAt,omitempty" json:"readAt,omitempty"`
}

// Attachment references an uploaded blob.
type Attachment struct {
	BlobId   string `bson:"blobId" json:"blobId"`
	URL      string `bson:"url" json:"url"`
	MimeType string `bson:"mimeType" json:"mimeType"`
	Name     string `bson:"name" json:"name"`
	Size     int64  `bson:"size" json:"size"`
}

// OutgoingMessage is what a sender hands to the repository. Id and CreatedAt
// are assigned by the store.
type OutgoingMessage struct {
	ConversationId string
	SenderId       string
	Body           string
	Attachment     *Attachment
}

func (m OutgoingMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Body) == "" && m.Attachment == nil
}

// Preview is the text stored in the conversation's last-message summary.
func (m Message) Preview() string {
	if body := strings.TrimSpace(m.Body); body != "" {
		if r := []rune(body); len(r) > previewLength {
			return string(r[:previewLength])
		}
		return body
	}
	if m.Attachment != nil {
		return "Attachment: " + m.Attachment.Name
	}
	return ""
}

// Cursor returns the ordering key of m.
func (m Message) Cursor() MessageCursor {
	return MessageCursor{CreatedAt: m.CreatedAt, Id: m.Id}
}

// MessageCursor orders messages by creation time, ties broken by id.
type MessageCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	Id        string    `json:"id"`
}

func (c MessageCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.Id == ""
}

// Before reports whether c sorts strictly before other.
func (c MessageCursor) Before(other MessageCursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.Id < other.Id
}

// MessageBatch is one delivery of the message stream. A Full batch replaces
// the consumer's projection; otherwise Messages are appended and ReadIds are
// flagged as read.
type MessageBatch struct {
	ConversationId string    `json:"conversationId"`
	Full           bool      `json:"full"`
	Messages       []Message `json:"messages"`
	ReadIds        []string  `json:"readIds,omitempty"`
}

func (b MessageBatch) IsEmpty() bool {
	return !b.Full && len(b.Messages) == 0 && len(b.ReadIds) == 0
}

// MessageChange is the payload published on a conversation's message topic.
type MessageChange struct {
	Kind       string   `json:"kind"`
	MessageIds []string `json:"messageIds"`
}

const (
	MessageChangeAppended = "appended"
	MessageChangeRead     = "read"
)
