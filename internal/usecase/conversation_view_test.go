package usecase

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobtalk/internal/entity"
)

func TestView_OpenUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	v, rec := env.view(t, "A")

	v.Open("missing")
	ev := rec.waitFor(t, EventError)
	require.Equal(t, CodeNotFound, ev.Error.Code)
	require.Equal(t, ViewError, snapshot(t, v).State)
}

func TestView_OpenForbiddenLeaksNothing(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")
	env.send(t, conv.Id, "A", "private")

	v, rec := env.view(t, "mallory")
	v.Open(conv.Id)

	ev := rec.waitFor(t, EventError)
	require.Equal(t, CodeForbidden, ev.Error.Code)
	require.Empty(t, rec.of(EventMessages))
	s := snapshot(t, v)
	require.Equal(t, ViewError, s.State)
	require.Empty(t, s.Messages)
	require.Zero(t, v.subs.Len())
}

func TestView_FirstContactScenario(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.view(t, "A")

	a.Start("B")
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })
	require.NoError(t, a.SendText("Interested in your profile"))

	s := waitSnapshot(t, a, func(s ViewSnapshot) bool { return len(s.Messages) == 1 })
	convId := s.ConversationId
	require.Equal(t, "Interested in your profile", s.Messages[0].Body)

	conv, err := env.repo.Open(context.Background(), convId, "B")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, conv.Participants)
	require.Equal(t, 1, conv.UnreadFor("B"))
	require.Equal(t, 0, conv.UnreadFor("A"))
	require.Equal(t, "Interested in your profile", conv.LastMessage.Text)

	b, _ := env.view(t, "B")
	b.Open(convId)
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return len(s.Messages) == 1 })

	require.Eventually(t, func() bool {
		c, err := env.repo.Open(context.Background(), convId, "B")
		return err == nil && c.UnreadFor("B") == 0
	}, 2*time.Second, 5*time.Millisecond)

	waitSnapshot(t, a, func(s ViewSnapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].IsRead
	})
}

func TestView_SendTextValidation(t *testing.T) {
	env := newTestEnv(t)
	v, rec := env.view(t, "A")

	err := v.SendText("   ")
	require.Error(t, err)
	require.Equal(t, CodeValidation, Classify(err).Code)

	require.NoError(t, v.SendText("nothing open"))
	ev := rec.waitFor(t, EventSendError)
	require.ErrorIs(t, ev.Error, ErrViewClosed)
}

func TestView_IncomingMessagesAreMarkedRead(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	b, _ := env.view(t, "B")
	b.Open(conv.Id)
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.State == ViewReady })

	env.send(t, conv.Id, "A", "are you there?")
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return len(s.Messages) == 1 })

	require.Eventually(t, func() bool {
		msgs, err := env.repo.Messages(context.Background(), conv.Id, entity.MessageCursor{}, 0)
		if err != nil || len(msgs) != 1 || !msgs[0].IsRead {
			return false
		}
		c, err := env.repo.Open(context.Background(), conv.Id, "B")
		return err == nil && c.UnreadFor("B") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestView_ConcurrentViewersSeeSameOrder(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, _ := env.view(t, "A")
	b, _ := env.view(t, "B")
	a.Open(conv.Id)
	b.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.State == ViewReady })

	for i := 0; i < 5; i++ {
		require.NoError(t, a.SendText("from a"))
		require.NoError(t, b.SendText("from b"))
	}

	sa := waitSnapshot(t, a, func(s ViewSnapshot) bool { return len(s.Messages) == 10 })
	sb := waitSnapshot(t, b, func(s ViewSnapshot) bool { return len(s.Messages) == 10 })
	for i := range sa.Messages {
		require.Equal(t, sa.Messages[i].Id, sb.Messages[i].Id)
		if i > 0 {
			require.False(t, sa.Messages[i].CreatedAt.Before(sa.Messages[i-1].CreatedAt))
		}
	}
}

func TestView_TypingShownThenClearedAfterIdle(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, _ := env.view(t, "A")
	b, brec := env.view(t, "B")
	a.Open(conv.Id)
	b.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.State == ViewReady })

	a.Typing()
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.OtherTyping })
	require.True(t, *brec.waitFor(t, EventTyping).Typing)

	env.clock.Advance(2 * time.Second)
	a.Typing()
	snapshot(t, a)
	env.clock.Advance(5 * time.Second)

	waitSnapshot(t, b, func(s ViewSnapshot) bool { return !s.OtherTyping })
	require.False(t, *brec.waitFor(t, EventTyping).Typing)
}

func TestView_StaleTypingFlagReadsIdle(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	b, _ := env.view(t, "B")
	b.Open(conv.Id)
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.State == ViewReady })

	// A writer that never clears its flag.
	_, err := env.typing.Set(context.Background(), entity.TypingState{ConversationId: conv.Id, ParticipantId: "A", Typing: true})
	require.NoError(t, err)
	waitSnapshot(t, b, func(s ViewSnapshot) bool { return s.OtherTyping })

	require.Eventually(t, func() bool {
		env.clock.Advance(time.Second)
		return !snapshot(t, b).OtherTyping
	}, 2*time.Second, 10*time.Millisecond)
}

func TestView_SendFile(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, rec := env.view(t, "A")
	a.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })

	err := a.SendFile(LocalFile{Name: "cv.pdf", MimeType: "application/pdf", Reader: bytes.NewReader([]byte("%PDF-1.7 resume"))}, "my resume")
	require.NoError(t, err)

	done := rec.waitFor(t, EventUploadDone)
	require.NotNil(t, done.Attachment)
	require.NotEmpty(t, rec.of(EventUploadProgress))
	started := rec.of(EventUploadStarted)
	require.Len(t, started, 1)
	require.Equal(t, done.UploadId, started[0].UploadId)

	s := waitSnapshot(t, a, func(s ViewSnapshot) bool { return len(s.Messages) == 1 })
	msg := s.Messages[0]
	require.Equal(t, "my resume", msg.Body)
	require.NotNil(t, msg.Attachment)
	require.Equal(t, done.Attachment.BlobId, msg.Attachment.BlobId)
	require.Equal(t, "cv.pdf", msg.Attachment.Name)
	require.Equal(t, 1, env.blobs.Len())
}

func TestView_CanceledUploadIsNeverSent(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, rec := env.view(t, "A")
	a.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })

	pr, pw := io.Pipe()
	defer pw.Close()
	require.NoError(t, a.SendFile(LocalFile{Name: "big.bin", MimeType: "application/octet-stream", Reader: pr}, ""))

	_, err := pw.Write([]byte("abcd"))
	require.NoError(t, err)
	progress := rec.waitFor(t, EventUploadProgress)

	a.CancelUpload(progress.UploadId)
	go func() { _, _ = pw.Write([]byte("efgh")) }()

	ev := rec.waitFor(t, EventUploadError)
	require.Equal(t, CodeUpload, ev.Error.Code)
	require.ErrorIs(t, ev.Error, ErrUploadCanceled)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, snapshot(t, a).Messages)
	msgs, err := env.repo.Messages(context.Background(), conv.Id, entity.MessageCursor{}, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Empty(t, rec.of(EventUploadDone))
}

func TestView_UploadCanBeCanceledBeforeFirstChunk(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, rec := env.view(t, "A")
	a.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })

	pr, pw := io.Pipe()
	defer pw.Close()
	require.NoError(t, a.SendFile(LocalFile{Name: "portfolio.zip", MimeType: "application/zip", Reader: pr}, ""))

	started := rec.waitFor(t, EventUploadStarted)
	require.NotEmpty(t, started.UploadId)
	require.Equal(t, "portfolio.zip", started.FileName)
	require.Empty(t, rec.of(EventUploadProgress))

	a.CancelUpload(started.UploadId)
	require.NoError(t, pw.Close())

	ev := rec.waitFor(t, EventUploadError)
	require.Equal(t, started.UploadId, ev.UploadId)
	require.ErrorIs(t, ev.Error, ErrUploadCanceled)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.of(EventUploadDone))
	msgs, err := env.repo.Messages(context.Background(), conv.Id, entity.MessageCursor{}, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestView_SwitchingTearsDownPreviousConversation(t *testing.T) {
	env := newTestEnv(t)
	first := env.conversation(t, "A", "B")
	second := env.conversation(t, "A", "C")
	env.send(t, first.Id, "B", "from b")
	env.send(t, second.Id, "C", "from c")

	a, _ := env.view(t, "A")
	a.Open(first.Id)
	a.Open(second.Id)

	s := waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady && len(s.Messages) == 1 })
	require.Equal(t, second.Id, s.ConversationId)
	require.Equal(t, "from c", s.Messages[0].Body)
	require.Equal(t, 2, a.subs.Len())

	env.send(t, first.Id, "B", "ignored")
	time.Sleep(20 * time.Millisecond)
	require.Len(t, snapshot(t, a).Messages, 1)

	a.Close()
	s = waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewClosed })
	require.Empty(t, s.Messages)
	require.Zero(t, a.subs.Len())
}

func TestView_DegradedWhileReconnectingThenRecovers(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")
	sent := env.send(t, conv.Id, "A", "are you available?")

	a, rec := env.view(t, "A")
	a.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady && len(s.Messages) == 1 })
	require.Empty(t, rec.of(EventDegraded))

	// B reads while every live subscription of A is gone.
	env.feed.DropAll()
	_, err := env.repo.MarkRead(context.Background(), conv.Id, "B", []string{sent.Id})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evs := rec.of(EventDegraded)
		return len(evs) >= 2 && !*evs[len(evs)-1].Degraded
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, *rec.of(EventDegraded)[0].Degraded)

	s := waitSnapshot(t, a, func(s ViewSnapshot) bool { return !s.Degraded && len(s.Messages) == 1 && s.Messages[0].IsRead })
	require.Equal(t, ViewReady, s.State)
	require.Empty(t, rec.of(EventError))
	states := rec.of(EventState)
	require.Equal(t, ViewReady, states[len(states)-1].State)
}

func TestView_DegradedClearsOnlyWhenEverySubscriptionRecovers(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "A", "B")

	a, rec := env.view(t, "A")
	a.Open(conv.Id)
	waitSnapshot(t, a, func(s ViewSnapshot) bool { return s.State == ViewReady })

	transient := &Error{Code: CodeTransient, Reason: "store unavailable"}
	a.post(func() {
		a.onSubscriptionError(transient, TopicMessages)
		a.onSubscriptionError(transient, TopicTyping)
		a.recovered(TopicMessages)
	})
	s := snapshot(t, a)
	require.True(t, s.Degraded)
	require.Len(t, rec.of(EventDegraded), 1)

	a.post(func() { a.recovered(TopicTyping) })
	require.False(t, snapshot(t, a).Degraded)
	evs := rec.of(EventDegraded)
	require.Len(t, evs, 2)
	require.False(t, *evs[1].Degraded)
}
