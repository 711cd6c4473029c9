package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	wsDelivery "jobtalk/internal/delivery/websocket"
)

func MapHttpRoutes(r *chi.Mux, httpHandler *HttpHandler, websocketHandler *wsDelivery.WebsocketHandler, authMiddleware *AuthMiddleware) {
	r.Get("/healthz", http.HandlerFunc(httpHandler.Health))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Get("/ws", http.HandlerFunc(websocketHandler.HandleWebSocket))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", http.HandlerFunc(httpHandler.ListConversations))
			r.Post("/", http.HandlerFunc(httpHandler.StartConversation))
			r.Get("/{conversationId}", http.HandlerFunc(httpHandler.GetConversation))
			r.Get("/{conversationId}/messages", http.HandlerFunc(httpHandler.GetMessages))
		})

		r.Get("/unread", http.HandlerFunc(httpHandler.GetUnread))
		r.Get("/attachments/{blobId}", http.HandlerFunc(httpHandler.GetAttachment))
	})
}
