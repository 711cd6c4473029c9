package usecase

import (
	"context"
	"errors"
	"fmt"

	"jobtalk/internal/repository"
)

var (
	ErrUploadCanceled     = errors.New("upload canceled")
	ErrUploadTooLarge     = errors.New("attachment exceeds the size limit")
	ErrAttachmentNotReady = errors.New("attachment upload has not completed")
	ErrViewClosed         = errors.New("conversation view is closed")
)

type Code string

const (
	CodeNotFound   Code = "NOT_FOUND"
	CodeForbidden  Code = "FORBIDDEN"
	CodeValidation Code = "VALIDATION"
	CodeTransient  Code = "TRANSIENT"
	CodeUpload     Code = "UPLOAD"
	CodeInternal   Code = "INTERNAL"
)

// Fatal codes end the current view.
func (c Code) Fatal() bool {
	return c == CodeNotFound || c == CodeForbidden
}

// Error is what the view layer reports upward.
type Error struct {
	Code   Code   `json:"code"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps a lower-layer error onto the view taxonomy. A nil error
// classifies as nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}

	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		return &Error{Code: CodeNotFound, Reason: "conversation not found", Err: err}
	case errors.Is(err, repository.ErrAttachmentNotFound):
		return &Error{Code: CodeNotFound, Reason: "attachment not found", Err: err}
	case errors.Is(err, repository.ErrNotParticipant):
		return &Error{Code: CodeForbidden, Reason: "not a participant", Err: err}
	case errors.Is(err, repository.ErrEmptyMessage),
		errors.Is(err, repository.ErrInvalidParticipant):
		return &Error{Code: CodeValidation, Reason: "invalid request", Err: err}
	case errors.Is(err, ErrUploadCanceled),
		errors.Is(err, ErrUploadTooLarge),
		errors.Is(err, ErrAttachmentNotReady):
		return &Error{Code: CodeUpload, Reason: "attachment upload failed", Err: err}
	case repository.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTransient, Reason: "store unavailable", Err: err}
	default:
		return &Error{Code: CodeInternal, Reason: "internal error", Err: err}
	}
}

func validationError(reason string, err error) *Error {
	return &Error{Code: CodeValidation, Reason: reason, Err: err}
}
