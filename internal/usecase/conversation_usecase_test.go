package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

func TestConversationUsecase(t *testing.T) {
	env := newTestEnv(t)
	uc := NewConversationUsecase(env.repo)
	ctx := context.Background()

	conv, created, err := uc.Start(ctx, "seeker", "employer")
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = uc.Start(ctx, "employer", "seeker")
	require.NoError(t, err)
	require.False(t, created)

	_, _, err = uc.Start(ctx, "seeker", "seeker")
	require.Equal(t, CodeValidation, Classify(err).Code)

	env.send(t, conv.Id, "employer", "hello")
	env.send(t, conv.Id, "employer", "are you available?")

	list, err := uc.Index(ctx, "seeker")
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := uc.Get(ctx, conv.Id, "seeker")
	require.NoError(t, err)
	require.Equal(t, "are you available?", got.LastMessage.Text)

	_, err = uc.Get(ctx, conv.Id, "stranger")
	require.Equal(t, CodeForbidden, Classify(err).Code)

	history, err := uc.History(ctx, conv.Id, "seeker", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "are you available?", history[0].Body)

	_, err = uc.History(ctx, conv.Id, "seeker", MaxHistoryLimit+1)
	require.Equal(t, CodeValidation, Classify(err).Code)

	_, err = uc.History(ctx, "missing", "seeker", 0)
	require.Equal(t, CodeNotFound, Classify(err).Code)

	unread, err := uc.UnreadTotal(ctx, "seeker")
	require.NoError(t, err)
	require.Equal(t, 2, unread.Total)
	require.Equal(t, 2, unread.ByConversation[conv.Id])

	unread, err = uc.UnreadTotal(ctx, "employer")
	require.NoError(t, err)
	require.Zero(t, unread.Total)
}

func TestConversationUsecase_Attachment(t *testing.T) {
	env := newTestEnv(t)
	uc := NewConversationUsecase(env.repo)
	ctx := context.Background()

	conv, _, err := uc.Start(ctx, "seeker", "employer")
	require.NoError(t, err)
	_, err = env.repo.Send(ctx, entity.OutgoingMessage{
		ConversationId: conv.Id,
		SenderId:       "seeker",
		Attachment:     &entity.Attachment{BlobId: "cv-blob", Name: "cv.pdf"},
	})
	require.NoError(t, err)

	att, err := uc.Attachment(ctx, "cv-blob", "employer")
	require.NoError(t, err)
	require.Equal(t, "cv.pdf", att.Name)

	_, err = uc.Attachment(ctx, "cv-blob", "stranger")
	require.Equal(t, CodeForbidden, Classify(err).Code)

	_, err = uc.Attachment(ctx, "other-blob", "employer")
	require.Equal(t, CodeNotFound, Classify(err).Code)

	_, err = uc.Attachment(ctx, "", "employer")
	require.Equal(t, CodeValidation, Classify(err).Code)
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify(nil))

	cases := []struct {
		err  error
		code Code
	}{
		{fmt.Errorf("op: %w", repository.ErrConversationNotFound), CodeNotFound},
		{fmt.Errorf("op: %w", repository.ErrNotParticipant), CodeForbidden},
		{fmt.Errorf("op: %w", repository.ErrAttachmentNotFound), CodeNotFound},
		{repository.ErrEmptyMessage, CodeValidation},
		{fmt.Errorf("op: %w: %w", repository.ErrStoreUnavailable, errors.New("socket")), CodeTransient},
		{context.DeadlineExceeded, CodeTransient},
		{ErrUploadCanceled, CodeUpload},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		e := Classify(tc.err)
		require.Equal(t, tc.code, e.Code, tc.err.Error())
		require.ErrorIs(t, e, tc.err)
	}

	own := &Error{Code: CodeValidation, Reason: "bad"}
	require.Same(t, own, Classify(fmt.Errorf("wrapped: %w", own)))
	require.True(t, CodeForbidden.Fatal())
	require.False(t, CodeTransient.Fatal())
}
