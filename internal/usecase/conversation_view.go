package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
)

type ViewState string

const (
	ViewIdle    ViewState = "idle"
	ViewLoading ViewState = "loading"
	ViewReady   ViewState = "ready"
	ViewClosed  ViewState = "closed"
	ViewError   ViewState = "error"
)

type ViewEventKind string

const (
	EventState          ViewEventKind = "state"
	EventMessages       ViewEventKind = "messages"
	EventTyping         ViewEventKind = "typing"
	EventUploadStarted  ViewEventKind = "upload_started"
	EventUploadProgress ViewEventKind = "upload_progress"
	EventUploadDone     ViewEventKind = "upload_done"
	EventUploadError    ViewEventKind = "upload_error"
	EventSendError      ViewEventKind = "send_error"
	EventDegraded       ViewEventKind = "degraded"
	EventError          ViewEventKind = "error"
)

// ViewEvent is what a ConversationView pushes to its listener.
type ViewEvent struct {
	Kind           ViewEventKind         `json:"kind"`
	ConversationId string                `json:"conversationId,omitempty"`
	State          ViewState             `json:"state,omitempty"`
	Conversation   *entity.Conversation  `json:"conversation,omitempty"`
	Batch          *entity.MessageBatch  `json:"batch,omitempty"`
	Typing         *bool                 `json:"typing,omitempty"`
	Degraded       *bool                 `json:"degraded,omitempty"`
	UploadId       string                `json:"uploadId,omitempty"`
	FileName       string                `json:"fileName,omitempty"`
	Progress       *entity.ProgressEvent `json:"progress,omitempty"`
	Attachment     *entity.Attachment    `json:"attachment,omitempty"`
	Error          *Error                `json:"error,omitempty"`
}

// ViewSnapshot is the current projection of a view.
type ViewSnapshot struct {
	State          ViewState
	ConversationId string
	Conversation   entity.Conversation
	Messages       []entity.Message
	OtherTyping    bool
	Degraded       bool
	Uploads        int
}

type ViewConfig struct {
	Typing           TypingConfig
	TypingStaleAfter time.Duration
	Backoff          Backoff
	OpTimeout        time.Duration
}

type ViewDeps struct {
	Repo     repository.ConversationRepository
	Typing   repository.TypingRepository
	Source   Source
	Uploader *AttachmentUploader
	Clock    Clock
	Log      zerolog.Logger
}

const defaultOpTimeout = 15 * time.Second

// ConversationView orchestrates one open conversation for one user. All of
// its state is owned by the Run goroutine; public methods only post work to
// it, so none of them block on the store.
type ConversationView struct {
	userId   string
	deps     ViewDeps
	cfg      ViewConfig
	subs     *SubscriptionManager
	listener func(ViewEvent)
	log      zerolog.Logger

	actions  chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	gen         uint64
	state       ViewState
	conv        entity.Conversation
	other       string
	messages    []entity.Message
	index       map[string]int
	reading     map[string]struct{}
	resetUnread bool
	typer       *TypingTracker
	otherTyping entity.TypingState
	showTyping  bool
	typingTimer Timer
	uploads     map[string]*Upload
	// down holds the subscriptions currently reconnecting.
	down map[TopicKind]struct{}
}

func NewConversationView(userId string, deps ViewDeps, cfg ViewConfig, listener func(ViewEvent)) *ConversationView {
	if deps.Clock == nil {
		deps.Clock = RealClock
	}
	if cfg.TypingStaleAfter <= 0 {
		cfg.TypingStaleAfter = entity.TypingStaleAfter
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if listener == nil {
		listener = func(ViewEvent) {}
	}
	log := deps.Log.With().Str("component", "view").Str("user_id", userId).Logger()
	return &ConversationView{
		userId:   userId,
		deps:     deps,
		cfg:      cfg,
		subs:     NewSubscriptionManager(deps.Source, cfg.Backoff, log),
		listener: listener,
		log:      log,
		actions:  make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    ViewIdle,
		index:    make(map[string]int),
		reading:  make(map[string]struct{}),
		uploads:  make(map[string]*Upload),
		down:     make(map[TopicKind]struct{}),
	}
}

// Run processes view work until Shutdown.
func (v *ConversationView) Run() {
	defer close(v.done)
	for {
		select {
		case fn := <-v.actions:
			fn()
		case <-v.quit:
			v.teardown()
			return
		}
	}
}

// Shutdown tears the view down and waits for Run and every subscription
// goroutine to return.
func (v *ConversationView) Shutdown() {
	v.quitOnce.Do(func() { close(v.quit) })
	<-v.done
	v.subs.Close()
}

func (v *ConversationView) post(fn func()) bool {
	select {
	case v.actions <- fn:
		return true
	case <-v.quit:
		return false
	}
}

// postGen runs fn only if the view still shows the conversation that was
// open when gen was taken.
func (v *ConversationView) postGen(gen uint64, fn func()) {
	v.post(func() {
		if gen != v.gen {
			return
		}
		fn()
	})
}

// Open switches the view to conversationId, closing whatever was open.
func (v *ConversationView) Open(conversationId string) {
	v.post(func() { v.open(conversationId) })
}

// Start opens the conversation with otherUserId, creating it on first contact.
func (v *ConversationView) Start(otherUserId string) {
	v.post(func() {
		gen := v.beginLoading("")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), v.cfg.OpTimeout)
			defer cancel()
			conv, _, err := v.deps.Repo.GetOrCreate(ctx, v.userId, otherUserId)
			v.postGen(gen, func() {
				if err != nil {
					v.fail(Classify(err))
					return
				}
				v.ready(conv)
			})
		}()
	})
}

// Close tears down the open conversation.
func (v *ConversationView) Close() {
	v.post(func() {
		v.teardown()
		v.gen++
		v.setState(ViewClosed)
	})
}

// SendText validates synchronously and sends asynchronously. A failed send is
// reported with EventSendError and never retried.
func (v *ConversationView) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return validationError("message is empty", repository.ErrEmptyMessage)
	}
	v.post(func() { v.send(text, nil) })
	return nil
}

// SendFile uploads file and then sends it with the optional caption. Upload
// failures are reported with EventUploadError, send failures with
// EventSendError.
func (v *ConversationView) SendFile(file LocalFile, caption string) error {
	if file.Reader == nil || strings.TrimSpace(file.Name) == "" {
		return validationError("file is missing", nil)
	}
	if v.deps.Uploader == nil {
		return &Error{Code: CodeUpload, Reason: "attachments are disabled"}
	}
	v.post(func() { v.upload(file, caption) })
	return nil
}

func (v *ConversationView) CancelUpload(uploadId string) {
	v.post(func() {
		if up, ok := v.uploads[uploadId]; ok {
			up.Cancel()
		}
	})
}

// Typing records local input activity.
func (v *ConversationView) Typing() {
	v.post(func() {
		if v.typer != nil {
			v.typer.Activity()
		}
	})
}

// MarkRead acknowledges everything currently shown.
func (v *ConversationView) MarkRead() {
	v.post(func() {
		v.resetUnread = true
		v.markRead()
	})
}

// Snapshot returns the current projection.
func (v *ConversationView) Snapshot(ctx context.Context) (ViewSnapshot, error) {
	reply := make(chan ViewSnapshot, 1)
	if !v.post(func() { reply <- v.snapshot() }) {
		return ViewSnapshot{}, ErrViewClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return ViewSnapshot{}, ctx.Err()
	}
}

func (v *ConversationView) snapshot() ViewSnapshot {
	return ViewSnapshot{
		State:          v.state,
		ConversationId: v.conv.Id,
		Conversation:   v.conv,
		Messages:       append([]entity.Message(nil), v.messages...),
		OtherTyping:    v.showTyping,
		Degraded:       len(v.down) > 0,
		Uploads:        len(v.uploads),
	}
}

func (v *ConversationView) open(conversationId string) {
	gen := v.beginLoading(conversationId)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.OpTimeout)
		defer cancel()
		conv, err := v.deps.Repo.Open(ctx, conversationId, v.userId)
		v.postGen(gen, func() {
			if err != nil {
				v.fail(Classify(err))
				return
			}
			v.ready(conv)
		})
	}()
}

func (v *ConversationView) beginLoading(conversationId string) uint64 {
	v.teardown()
	v.gen++
	v.conv = entity.Conversation{Id: conversationId}
	v.setState(ViewLoading)
	return v.gen
}

func (v *ConversationView) ready(conv entity.Conversation) {
	other, _ := conv.OtherParticipant(v.userId)
	v.conv = conv
	v.other = other
	v.resetUnread = true
	v.typer = NewTypingTracker(v.deps.Typing, conv.Id, v.userId, v.cfg.Typing, v.deps.Clock, v.log)
	v.setState(ViewReady)

	gen := v.gen
	v.subs.Subscribe(MessagesTopic(conv.Id), func(u Update) {
		v.postGen(gen, func() { v.onMessages(u) })
	}, func(e *Error) {
		v.postGen(gen, func() { v.onSubscriptionError(e, TopicMessages) })
	})
	v.subs.Subscribe(TypingTopic(conv.Id, other), func(u Update) {
		v.postGen(gen, func() { v.onTyping(u) })
	}, func(e *Error) {
		v.postGen(gen, func() { v.onSubscriptionError(e, TopicTyping) })
	})
}

func (v *ConversationView) fail(e *Error) {
	v.teardown()
	v.state = ViewError
	v.emit(ViewEvent{Kind: EventState, State: ViewError, Error: e})
	v.emit(ViewEvent{Kind: EventError, Error: e})
}

// onSubscriptionError reports the view degraded while any of its
// subscriptions is reconnecting. Only a fatal message stream error ends it.
func (v *ConversationView) onSubscriptionError(e *Error, kind TopicKind) {
	if e.Code.Fatal() {
		if kind == TopicMessages {
			v.fail(e)
		}
		return
	}
	if v.state != ViewReady {
		return
	}
	wasDown := len(v.down) > 0
	v.down[kind] = struct{}{}
	if !wasDown {
		v.emit(ViewEvent{Kind: EventDegraded, Degraded: boolPtr(true)})
	}
}

func (v *ConversationView) recovered(kind TopicKind) {
	if _, ok := v.down[kind]; !ok {
		return
	}
	delete(v.down, kind)
	if len(v.down) == 0 {
		v.emit(ViewEvent{Kind: EventDegraded, Degraded: boolPtr(false)})
	}
}

func (v *ConversationView) onMessages(u Update) {
	if u.Messages == nil || v.state != ViewReady {
		return
	}
	v.recovered(TopicMessages)
	batch := *u.Messages

	if batch.Full {
		v.messages = v.messages[:0]
		v.index = make(map[string]int, len(batch.Messages))
	}
	appended := make([]entity.Message, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		if i, ok := v.index[m.Id]; ok {
			v.messages[i] = m
			continue
		}
		v.index[m.Id] = len(v.messages)
		v.messages = append(v.messages, m)
		appended = append(appended, m)
	}
	for _, id := range batch.ReadIds {
		if i, ok := v.index[id]; ok {
			v.messages[i].IsRead = true
		}
	}
	if !batch.Full {
		batch.Messages = appended
	}

	v.emit(ViewEvent{Kind: EventMessages, Batch: &batch})
	for _, m := range appended {
		if m.SenderId == v.other {
			v.resetUnread = true
			break
		}
	}
	v.markRead()
}

// markRead acknowledges unread messages from the other participant that are
// not already being acknowledged. The result is dropped if the view moved on.
func (v *ConversationView) markRead() {
	if v.state != ViewReady {
		return
	}
	var ids []string
	for _, m := range v.messages {
		if m.SenderId != v.other || m.IsRead {
			continue
		}
		if _, ok := v.reading[m.Id]; ok {
			continue
		}
		ids = append(ids, m.Id)
	}
	if len(ids) == 0 && !v.resetUnread {
		return
	}
	v.resetUnread = false
	for _, id := range ids {
		v.reading[id] = struct{}{}
	}

	gen, convId := v.gen, v.conv.Id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.OpTimeout)
		defer cancel()
		_, err := v.deps.Repo.MarkRead(ctx, convId, v.userId, ids)
		v.postGen(gen, func() {
			for _, id := range ids {
				delete(v.reading, id)
			}
			if err != nil {
				v.log.Warn().Err(err).Str("conversation_id", convId).Msg("Mark read")
				v.emit(ViewEvent{Kind: EventError, Error: Classify(err)})
			}
		})
	}()
}

func (v *ConversationView) onTyping(u Update) {
	if u.Typing == nil || v.state != ViewReady {
		return
	}
	v.recovered(TopicTyping)
	v.otherTyping = *u.Typing
	v.evaluateTyping()
}

// evaluateTyping applies the staleness rule and re-checks when the flag
// would expire, since a clearing write may never arrive.
func (v *ConversationView) evaluateTyping() {
	if v.typingTimer != nil {
		v.typingTimer.Stop()
		v.typingTimer = nil
	}
	now := v.deps.Clock.Now()
	typing := v.otherTyping.IsTyping(now, v.cfg.TypingStaleAfter)
	if typing {
		gen := v.gen
		wait := v.otherTyping.ExpiresAt(v.cfg.TypingStaleAfter).Sub(now) + time.Millisecond
		v.typingTimer = v.deps.Clock.AfterFunc(wait, func() {
			v.postGen(gen, v.evaluateTyping)
		})
	}
	if typing != v.showTyping {
		v.showTyping = typing
		v.emit(ViewEvent{Kind: EventTyping, Typing: boolPtr(typing)})
	}
}

func (v *ConversationView) send(body string, att *entity.Attachment) {
	if v.state != ViewReady {
		v.emit(ViewEvent{Kind: EventSendError, Error: &Error{Code: CodeValidation, Reason: "no conversation is open", Err: ErrViewClosed}})
		return
	}
	if v.typer != nil {
		v.typer.Clear()
	}

	gen := v.gen
	out := entity.OutgoingMessage{ConversationId: v.conv.Id, SenderId: v.userId, Body: body, Attachment: att}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.OpTimeout)
		defer cancel()
		_, err := v.deps.Repo.Send(ctx, out)
		if err == nil {
			return
		}
		v.log.Warn().Err(err).Str("conversation_id", out.ConversationId).Msg("Send message")
		v.postGen(gen, func() {
			v.emit(ViewEvent{Kind: EventSendError, Error: Classify(err)})
		})
	}()
}

func (v *ConversationView) upload(file LocalFile, caption string) {
	if v.state != ViewReady {
		v.emit(ViewEvent{Kind: EventUploadError, Error: &Error{Code: CodeUpload, Reason: "no conversation is open", Err: ErrViewClosed}})
		return
	}

	up := v.deps.Uploader.Upload(context.Background(), file)
	v.uploads[up.Id] = up
	v.emit(ViewEvent{Kind: EventUploadStarted, UploadId: up.Id, FileName: file.Name})
	gen := v.gen
	go func() {
		for ev := range up.Events() {
			v.postGen(gen, func() { v.onUploadEvent(up, ev, caption) })
		}
	}()
}

func (v *ConversationView) onUploadEvent(up *Upload, ev UploadEvent, caption string) {
	if _, ok := v.uploads[up.Id]; !ok {
		return
	}
	switch {
	case ev.Progress != nil:
		v.emit(ViewEvent{Kind: EventUploadProgress, UploadId: up.Id, Progress: ev.Progress})

	case ev.Attachment != nil:
		delete(v.uploads, up.Id)
		att, err := up.Claim()
		if err != nil {
			v.emit(ViewEvent{Kind: EventUploadError, UploadId: up.Id, Error: Classify(err)})
			return
		}
		v.emit(ViewEvent{Kind: EventUploadDone, UploadId: up.Id, Attachment: &att})
		v.send(caption, &att)

	case ev.Err != nil:
		delete(v.uploads, up.Id)
		v.emit(ViewEvent{Kind: EventUploadError, UploadId: up.Id, Error: &Error{Code: CodeUpload, Reason: "attachment upload failed", Err: ev.Err}})
	}
}

// teardown releases everything owned by the open conversation.
func (v *ConversationView) teardown() {
	v.subs.CancelAll()
	if v.typer != nil {
		v.typer.Stop()
		v.typer = nil
	}
	if v.typingTimer != nil {
		v.typingTimer.Stop()
		v.typingTimer = nil
	}
	for id, up := range v.uploads {
		up.Cancel()
		delete(v.uploads, id)
	}
	v.messages = nil
	v.index = make(map[string]int)
	v.reading = make(map[string]struct{})
	v.other = ""
	v.otherTyping = entity.TypingState{}
	v.showTyping = false
	v.down = make(map[TopicKind]struct{})
	v.resetUnread = false
}

func (v *ConversationView) setState(s ViewState) {
	v.state = s
	ev := ViewEvent{Kind: EventState, State: s}
	if s == ViewReady {
		conv := v.conv
		ev.Conversation = &conv
	}
	v.emit(ev)
}

func (v *ConversationView) emit(ev ViewEvent) {
	if ev.ConversationId == "" {
		ev.ConversationId = v.conv.Id
	}
	v.listener(ev)
}

func boolPtr(b bool) *bool {
	return &b
}
