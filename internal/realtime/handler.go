package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bookmark-core/internal/token"
)

// Handler upgrades HTTP requests to WebSocket sessions. The client presents a
// signed token and an optional device id as query parameters; a bad token gets
// an explicit close code rather than a silent drop.
type Handler struct {
	hub      *Hub
	verifier *token.Signer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, verifier *token.Signer, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser extensions and the web app connect cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		closeWith(conn, CloseMissingToken, "missing token")
		return
	}
	userID, err := h.verifier.Verify(rawToken)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, token.ErrTokenExpired) {
			reason = "token expired"
		}
		closeWith(conn, CloseInvalidToken, reason)
		return
	}

	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	client := newClient(h.hub, conn, userID, deviceID, h.hub.sendBuffer, h.logger)
	if err := h.hub.Register(client); err != nil {
		h.logger.Error("failed to register connection",
			zap.String("user_id", userID),
			zap.Error(err))
		closeWith(conn, websocket.CloseTryAgainLater, "subscription unavailable")
		return
	}

	client.enqueue(mustEnvelope(TypeConnected, ConnectedData{UserID: userID, DeviceID: deviceID}))

	go client.writePump()
	go client.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
