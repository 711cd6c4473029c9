package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"

	"jobtalk/internal/entity"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrNotParticipant       = errors.New("user is not a participant")
	ErrEmptyMessage         = errors.New("message has no body and no attachment")
	ErrInvalidParticipant   = errors.New("invalid participant id")
	ErrStoreUnavailable     = errors.New("store unavailable")
)

// IsTransient reports whether err is worth retrying by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func isTransientMongo(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorLabel("UnknownTransactionCommitResult") ||
			se.HasErrorLabel("RetryableWriteError")
	}
	return false
}

// wrap prefixes err with the operation and tags store failures as transient.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrAttachmentNotFound),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrInvalidParticipant),
		errors.Is(err, ErrStoreUnavailable):
		return fmt.Errorf("repository: %s: %w", op, err)
	case isTransientMongo(err):
		return fmt.Errorf("repository: %s: %w: %w", op, ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("repository: %s: %w", op, err)
	}
}

// validateParticipant rejects ids that cannot be used as document field names.
func validateParticipant(userId string) error {
	if strings.TrimSpace(userId) == "" || strings.Contains(userId, ".") || strings.HasPrefix(userId, "$") {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, userId)
	}
	return nil
}

func validateOutgoing(msg entity.OutgoingMessage) error {
	if msg.IsEmpty() {
		return ErrEmptyMessage
	}
	if msg.ConversationId == "" {
		return ErrConversationNotFound
	}
	return validateParticipant(msg.SenderId)
}
