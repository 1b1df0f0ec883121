package handler

import (
	"net/http"

	"notes-server/internal/middleware"
	"notes-server/internal/websocket"
	"notes-server/pkg/jwt"
	"notes-server/pkg/response"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, readBuffer, writeBuffer int) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades an authenticated request into an event feed.
// Browsers cannot set headers on upgrade, so the token may also come from
// the "token" query parameter.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		response.Unauthorized(w, "Missing authorization token")
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		log.Debug().Err(err).Msg("websocket token rejected")
		response.Unauthorized(w, "Invalid token")
		return
	}

	var topics []string
	if topic := r.URL.Query().Get("topic"); topic != "" {
		if !h.manager.IsTopic(topic) {
			response.BadRequest(w, "Unknown topic")
			return
		}
		topics = append(topics, topic)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", claims.UserID).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.UserID, conn, h.manager, topics...)
	if !h.manager.Add(client) {
		log.Warn().Int64("user_id", claims.UserID).Msg("websocket manager stopped, closing connection")
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
