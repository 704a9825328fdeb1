// Package ws relays binary document updates between the connections bound to
// a map. The hub only does fan-out bookkeeping; document state is owned by
// the session registry.
package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mindmesh/mindmesh/pkg/session"
)

// Hub binds websocket connections to document sessions and broadcasts every
// applied update to the other connections on the same map.
type Hub struct {
	registry *session.Registry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]map[*conn]struct{}
}

// NewHub builds the hub and wires it into the registry as its broadcaster.
func NewHub(registry *session.Registry) *Hub {
	h := &Hub{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]map[*conn]struct{}),
	}
	registry.SetBroadcaster(h)
	return h
}

// conn is one bound socket. Writes are serialized through wmu because
// gorilla permits a single concurrent writer.
type conn struct {
	id    string
	mapID string
	sock  *websocket.Conn
	wmu   sync.Mutex
}

func (c *conn) send(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sock.WriteMessage(websocket.BinaryMessage, payload)
}

// Serve upgrades a request routed as /{namespace}/{mapId}, binds the socket
// to the map's session, sends the full current state as a single catch-up
// message and then relays incoming binary deltas until the socket closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapId"]
	if mapID == "" {
		http.Error(w, "missing map id", http.StatusBadRequest)
		return
	}

	s, err := h.registry.GetOrCreate(r.Context(), mapID)
	if err != nil {
		slog.Error("failed to resolve session", "map", mapID, "err", err)
		http.Error(w, "failed to resolve session", http.StatusInternalServerError)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "map", mapID, "err", err)
		return
	}
	c := &conn{id: session.ConnOriginPrefix + uuid.NewString(), mapID: mapID, sock: sock}
	h.register(c)
	defer h.unregister(c)
	defer sock.Close()

	slog.Info("connection bound", "map", mapID, "conn", c.id)

	if err := c.send(s.Snapshot()); err != nil {
		slog.Error("failed to send catch-up state", "map", mapID, "conn", c.id, "err", err)
		return
	}

	for {
		mt, p, err := sock.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "map", mapID, "conn", c.id, "err", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := s.ApplyUpdate(c.id, p); err != nil {
			// per-message failure, the connection stays open
			_, live := h.registry.Peek(mapID)
			slog.Error("failed to apply update",
				"map", mapID, "conn", c.id, "bytes", len(p),
				"session_live", live, "peers", h.count(mapID), "err", err)
		}
	}
}

// Broadcast sends the raw update bytes to every connection bound to mapID
// except the originating one. Connections that fail the write are pruned.
func (h *Hub) Broadcast(mapID, origin string, payload []byte) {
	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns[mapID]))
	for c := range h.conns[mapID] {
		if c.id != origin {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(payload); err != nil {
			slog.Warn("pruning dead connection", "map", mapID, "conn", c.id, "err", err)
			_ = c.sock.Close()
			h.unregister(c)
		}
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.mapID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[c.mapID] = set
	}
	set[c] = struct{}{}
}

// unregister drops the connection; an emptied per-map set is removed
// entirely, but the document session stays cached in the registry.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.mapID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.mapID)
	}
}

func (h *Hub) count(mapID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[mapID])
}
