package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"studyflow/internal/metrics"
)

// Transport is the minimal connection surface the registry needs; the real
// implementation is a gorilla/websocket conn, tests use fakes.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

type conn struct {
	id            string
	userID        string
	transport     Transport
	lastHeartbeat time.Time
}

// Registry maps each user to at most one live connection on this process
// instance. Injectable, not a package singleton, so tests can run isolated
// registries.
type Registry struct {
	mu               sync.Mutex
	byUser           map[string]*conn
	byID             map[string]*conn
	heartbeatTimeout time.Duration
}

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &Registry{
		byUser:           make(map[string]*conn),
		byID:             make(map[string]*conn),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Connect stores the mapping and returns an opaque connection ID. A prior
// connection for the same user is evicted and closed (last write wins).
func (r *Registry) Connect(t Transport, userID string) string {
	id := "con_" + uuid.NewString()
	c := &conn{id: id, userID: userID, transport: t, lastHeartbeat: time.Now()}

	r.mu.Lock()
	prev := r.byUser[userID]
	if prev != nil {
		delete(r.byID, prev.id)
	}
	r.byUser[userID] = c
	r.byID[id] = c
	n := len(r.byID)
	r.mu.Unlock()

	if prev != nil {
		_ = prev.transport.Close()
		metrics.IncWSEviction("replaced")
		log.Debug().Str("user_id", userID).Str("conn_id", prev.id).Msg("evicted prior connection")
	}
	metrics.SetWSConnections(n)
	return id
}

// Disconnect removes the mapping if still current and closes the transport.
// Idempotent: unknown IDs are a no-op.
func (r *Registry) Disconnect(connID, reason string) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if ok {
		delete(r.byID, connID)
		if cur := r.byUser[c.userID]; cur != nil && cur.id == connID {
			delete(r.byUser, c.userID)
		}
	}
	n := len(r.byID)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = c.transport.Close()
	metrics.SetWSConnections(n)
	log.Debug().Str("user_id", c.userID).Str("conn_id", connID).Str("reason", reason).Msg("connection closed")
}

// SendToUser reports whether a live connection existed and the send was
// attempted. Transport errors disconnect that connection only; they never
// propagate to the caller.
func (r *Registry) SendToUser(userID string, payload any) bool {
	r.mu.Lock()
	c := r.byUser[userID]
	r.mu.Unlock()
	if c == nil {
		return false
	}
	if err := c.transport.WriteJSON(payload); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("send failed, disconnecting")
		r.Disconnect(c.id, "write error")
	}
	return true
}

// Heartbeat refreshes the liveness timestamp for a connection.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	if c, ok := r.byID[connID]; ok {
		c.lastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// Sweep disconnects connections whose last heartbeat is older than the
// timeout. Returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*conn
	for _, c := range r.byID {
		if now.Sub(c.lastHeartbeat) > r.heartbeatTimeout {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.Disconnect(c.id, "heartbeat timeout")
		metrics.IncWSEviction("heartbeat")
	}
	return len(stale)
}

// Run sweeps on the given interval until ctx is canceled. Independent of
// message traffic, so idle dead connections still get reaped.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				log.Info().Int("evicted", n).Msg("heartbeat sweep")
			}
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
