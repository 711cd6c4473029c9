package entity

import "time"

// TypingStaleAfter is the age past which a stored typing flag reads as idle.
const TypingStaleAfter = 5 * time.Second

type TypingState struct {
	ConversationId string    `json:"conversationId"`
	ParticipantId  string    `json:"participantId"`
	Typing         bool      `json:"typing"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsTyping applies the staleness rule: a flag older than staleAfter is idle
// whatever its stored value.
func (s TypingState) IsTyping(now time.Time, staleAfter time.Duration) bool {
	if !s.Typing || s.UpdatedAt.IsZero() {
		return false
	}
	if staleAfter <= 0 {
		staleAfter = TypingStaleAfter
	}
	return now.Sub(s.UpdatedAt) <= staleAfter
}

// ExpiresAt is when a typing flag stops counting.
func (s TypingState) ExpiresAt(staleAfter time.Duration) time.Time {
	if staleAfter <= 0 {
		staleAfter = TypingStaleAfter
	}
	return s.UpdatedAt.Add(staleAfter)
}
