package entity

import (
	"sort"
	"strings"
	"time"
)

type Conversation struct {
	Id             string         `bson:"_id" json:"id"`
	Participants   []string       `bson:"participants" json:"participants"`
	ParticipantKey string         `bson:"participantKey" json:"-"`
	LastMessage    LastMessage    `bson:"lastMessage" json:"lastMessage"`
	Unread         map[string]int `bson:"unread" json:"unread"`
	Version        int64          `bson:"version" json:"version"`
	CreatedAt      time.Time      `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time      `bson:"updatedAt" json:"updatedAt"`
}

// LastMessage is the denormalized summary shown in conversation lists.
type LastMessage struct {
	Text      string    `bson:"text" json:"text"`
	SenderId  string    `bson:"senderId" json:"senderId"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

func (c Conversation) HasParticipant(userId string) bool {
	for _, p := range c.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userId.
func (c Conversation) OtherParticipant(userId string) (string, bool) {
	if !c.HasParticipant(userId) {
		return "", false
	}
	for _, p := range c.Participants {
		if p != userId {
			return p, true
		}
	}
	return "", false
}

func (c Conversation) UnreadFor(userId string) int {
	if c.Unread == nil {
		return 0
	}
	n := c.Unread[userId]
	if n < 0 {
		return 0
	}
	return n
}

// ParticipantPair returns both ids sorted and the key identifying the pair
// independently of who initiated contact.
func ParticipantPair(a, b string) ([]string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair, strings.Join(pair, "|")
}

// UnreadSummary is the per-user badge total, derived from conversation summaries.
type UnreadSummary struct {
	UserId         string         `json:"userId"`
	Total          int            `json:"total"`
	ByConversation map[string]int `json:"byConversation"`
}
