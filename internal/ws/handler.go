package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"studyflow/internal/auth"
)

// clientMessage is the inbound frame shape. Clients only send heartbeats;
// everything else goes over the HTTP API.
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades authenticated requests and pumps inbound frames into the
// registry. Outbound traffic is written by the bus subscriber via
// Registry.SendToUser; this read pump never writes.
type Handler struct {
	registry *Registry
	issuer   *auth.Issuer
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
}

func NewHandler(registry *Registry, issuer *auth.Issuer, messagesPerSec float64, burst int) *Handler {
	if messagesPerSec <= 0 {
		messagesPerSec = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Handler{
		registry: registry,
		issuer:   issuer,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		limit: rate.Limit(messagesPerSec),
		burst: burst,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := h.issuer.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := h.registry.Connect(c, userID)
	log.Info().Str("user_id", userID).Str("conn_id", connID).Msg("websocket connected")

	limiter := rate.NewLimiter(h.limit, h.burst)
	for {
		var msg clientMessage
		if err := c.ReadJSON(&msg); err != nil {
			h.registry.Disconnect(connID, "read: "+err.Error())
			return
		}
		if !limiter.Allow() {
			h.registry.Disconnect(connID, "rate limit")
			return
		}
		if msg.Type == "heartbeat" {
			h.registry.Heartbeat(connID)
		}
	}
}
