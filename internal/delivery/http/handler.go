package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"jobtalk/infrastructure/blob"
	"jobtalk/internal/usecase"
)

type HttpHandler struct {
	conversationUc usecase.ConversationUsecase
	blobs          blob.Store
}

func NewHttpHandler(conversationUc usecase.ConversationUsecase, blobs blob.Store) *HttpHandler {
	return &HttpHandler{
		conversationUc: conversationUc,
		blobs:          blobs,
	}
}

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// writeError maps the usecase taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := usecase.Classify(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case usecase.CodeNotFound:
		status = http.StatusNotFound
	case usecase.CodeForbidden:
		status = http.StatusForbidden
	case usecase.CodeValidation, usecase.CodeUpload:
		status = http.StatusBadRequest
	case usecase.CodeTransient:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", string(e.Code)).Msg("Request failed")
	}
	writeJSON(w, status, Response{Message: e.Reason, Data: e})
}

// Method Get /healthz
func (h *HttpHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Message: "ok"})
}

// Method Get /conversations
func (h *HttpHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	conversations, err := h.conversationUc.Index(r.Context(), claims.UserId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: conversations})
}

// Method Post /conversations
func (h *HttpHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	var req struct {
		ParticipantId string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantId == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	conv, created, err := h.conversationUc.Start(r.Context(), claims.UserId, req.ParticipantId)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, Response{Message: "success", Data: conv})
}

// Method Get /conversations/{conversationId}
func (h *HttpHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	conv, err := h.conversationUc.Get(r.Context(), chi.URLParam(r, "conversationId"), claims.UserId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: conv})
}

// Method Get /conversations/{conversationId}/messages?limit=
func (h *HttpHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, Response{Message: "invalid limit"})
			return
		}
		limit = n
	}

	messages, err := h.conversationUc.History(r.Context(), chi.URLParam(r, "conversationId"), claims.UserId, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: messages})
}

// Method Get /unread
func (h *HttpHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	summary, err := h.conversationUc.UnreadTotal(r.Context(), claims.UserId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: summary})
}

// Method Get /attachments/{blobId}
func (h *HttpHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())

	att, err := h.conversationUc.Attachment(r.Context(), chi.URLParam(r, "blobId"), claims.UserId)
	if err != nil {
		writeError(w, r, err)
		return
	}

	reader, err := h.blobs.Open(r.Context(), att.BlobId)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Response{Message: "attachment not found"})
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("Open attachment")
		writeJSON(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		return
	}
	defer reader.Close()

	if reader.MimeType != "" {
		w.Header().Set("Content-Type", reader.MimeType)
	}
	if reader.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(reader.Size, 10))
	}
	if reader.Name != "" {
		w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(reader.Name))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Stream attachment")
	}
}
