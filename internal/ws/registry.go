package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/storymap-studio/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by site so
// studio sessions can broadcast efficiently.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	sites map[types.SiteID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{sites: make(map[types.SiteID]map[*Connection]struct{})}
}

// Register associates the connection with a site.
func (r *ConnectionRegistry) Register(site types.SiteID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sites[site] == nil {
		r.sites[site] = make(map[*Connection]struct{})
	}
	r.sites[site][c] = struct{}{}
	gatewayConnections.Inc()
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(site types.SiteID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.sites[site]
	if conns == nil {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.sites, site)
	}
	gatewayConnections.Dec()
}

// Count returns the number of connections attached to site.
func (r *ConnectionRegistry) Count(site types.SiteID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites[site])
}

// Total returns the number of registered connections.
func (r *ConnectionRegistry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.sites {
		n += len(conns)
	}
	return n
}

// CloseAll sends a going-away close frame to every connection. Their
// disconnect hooks run as the pumps stop.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*Connection, 0)
	for _, conns := range r.sites {
		for c := range conns {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}
}

// Broadcast delivers the payload to every connection attached to site.
func (r *ConnectionRegistry) Broadcast(site types.SiteID, payload []byte) int {
	return r.BroadcastExcept(site, payload, "")
}

// BroadcastExcept delivers the payload to every connection of the site,
// skipping a matching client identifier when provided.
func (r *ConnectionRegistry) BroadcastExcept(site types.SiteID, payload []byte, skipClientID string) int {
	r.mu.RLock()
	conns := r.sites[site]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if skipClientID != "" && c.ClientID() == skipClientID {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendText(payload); err == nil {
			sent++
		}
	}
	return sent
}
