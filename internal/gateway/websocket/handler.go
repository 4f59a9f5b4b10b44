package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front.
		return true
	},
}

// Handler upgrades /ws requests and hands the connection to the hub.
type Handler struct {
	hub    *Hub
	store  *session.Store
	logger *logger.Logger
}

// NewHandler creates the realtime endpoint handler.
func NewHandler(hub *Hub, store *session.Store, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  store,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection upgrades the request, sends the init snapshot, and runs
// the read/write pumps.
// GET /ws
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	sessions, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load sessions for init", zap.Error(err))
		sessions = nil
	}
	if data, err := json.Marshal(&Push{Type: "init", Sessions: sessions}); err == nil {
		client.queue(data)
	}

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
