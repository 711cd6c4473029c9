package websocket

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jobtalk/infrastructure/ws"
	"jobtalk/internal/entity"
	"jobtalk/internal/usecase"
	"jobtalk/pkg/jwt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebsocketHandler struct {
	viewDeps        usecase.ViewDeps
	viewCfg         usecase.ViewConfig
	maxMessageBytes int64
	log             zerolog.Logger
}

func NewWebsocketHandler(viewDeps usecase.ViewDeps, viewCfg usecase.ViewConfig, maxMessageBytes int64, log zerolog.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		viewDeps:        viewDeps,
		viewCfg:         viewCfg,
		maxMessageBytes: maxMessageBytes,
		log:             log.With().Str("component", "websocket").Logger(),
	}
}

// session binds one socket to one conversation view and one unread badge.
type session struct {
	client *ws.UserClient
	view   *usecase.ConversationView
	unread *usecase.UnreadAggregator
	log    zerolog.Logger
}

func (h *WebsocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwt.ClaimsFromContext(r.Context())
	if !ok || claims.UserId == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	client := ws.NewClient(claims.UserId, conn, h.maxMessageBytes, h.log)
	sess := &session{
		client: client,
		log:    h.log.With().Str("user_id", claims.UserId).Str("client_id", client.Id).Logger(),
	}

	deps := h.viewDeps
	deps.Log = sess.log
	sess.view = usecase.NewConversationView(claims.UserId, deps, h.viewCfg, func(ev usecase.ViewEvent) {
		sess.send(string(ev.Kind), ev)
	})
	subs := usecase.NewSubscriptionManager(deps.Source, h.viewCfg.Backoff, sess.log)
	sess.unread = usecase.NewUnreadAggregator(subs, claims.UserId, func(summary entity.UnreadSummary) {
		sess.send(EventUnread, summary)
	}, sess.log)

	go sess.view.Run()
	sess.unread.Start()
	go client.WritePump()

	sess.log.Info().Msg("Session opened")
	client.ReadPump(sess.handle)

	sess.view.Shutdown()
	sess.unread.Stop()
	sess.log.Info().Msg("Session closed")
}

func (s *session) send(eventType string, data any) {
	payload, err := json.Marshal(OutgoingEvent{Type: eventType, Data: data})
	if err != nil {
		s.log.Error().Err(err).Str("type", eventType).Msg("Marshal event")
		return
	}
	if err := s.client.Send(payload); err != nil {
		s.log.Debug().Err(err).Str("type", eventType).Msg("Drop event for closed client")
	}
}

func (s *session) commandError(cmd string, err error) {
	e := usecase.Classify(err)
	s.send(EventCommandError, map[string]any{"command": cmd, "error": e})
}

func (s *session) handle(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.Debug().Err(err).Msg("Unknown frame")
		s.send(EventCommandError, map[string]any{"error": usecase.Error{Code: usecase.CodeValidation, Reason: "malformed command"}})
		return
	}

	switch cmd.Type {
	case CommandOpen:
		if cmd.ConversationId == "" {
			s.commandError(cmd.Type, &usecase.Error{Code: usecase.CodeValidation, Reason: "conversationId is required"})
			return
		}
		s.view.Open(cmd.ConversationId)

	case CommandClose:
		s.view.Close()

	case CommandStart:
		if cmd.ParticipantId == "" || cmd.ParticipantId == s.client.UserId {
			s.commandError(cmd.Type, &usecase.Error{Code: usecase.CodeValidation, Reason: "a different participantId is required"})
			return
		}
		s.view.Start(cmd.ParticipantId)

	case CommandSendText:
		if err := s.view.SendText(cmd.Text); err != nil {
			s.commandError(cmd.Type, err)
		}

	case CommandSendFile:
		file, err := decodeFile(cmd.File)
		if err != nil {
			s.commandError(cmd.Type, err)
			return
		}
		if err := s.view.SendFile(file, cmd.Text); err != nil {
			s.commandError(cmd.Type, err)
		}

	case CommandCancelUpload:
		s.view.CancelUpload(cmd.UploadId)

	case CommandTyping:
		s.view.Typing()

	case CommandMarkRead:
		s.view.MarkRead()

	default:
		s.commandError(cmd.Type, &usecase.Error{Code: usecase.CodeValidation, Reason: "unknown command"})
	}
}

func decodeFile(p *FilePayload) (usecase.LocalFile, error) {
	if p == nil || p.Name == "" {
		return usecase.LocalFile{}, &usecase.Error{Code: usecase.CodeValidation, Reason: "file is required"}
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return usecase.LocalFile{}, &usecase.Error{Code: usecase.CodeValidation, Reason: "file data is not base64", Err: err}
	}
	return usecase.LocalFile{
		Name:     p.Name,
		MimeType: p.MimeType,
		Size:     int64(len(data)),
		Reader:   bytes.NewReader(data),
	}, nil
}
