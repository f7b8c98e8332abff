// Package session implements real-time coordination between Echo viewers.
// See doc.go for complete package documentation.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/echo/internal/protocol"
)

// AnonymousName is the display name of a connection that has not sent an
// identify message yet.
const AnonymousName = "Anonymous"

// DefaultOutboxSize is the number of undelivered events a connection may
// buffer before further events to it are dropped.
const DefaultOutboxSize = 32

// Connection is one live client attachment owned by a Hub.
//
// The hub enqueues outbound events on a bounded queue. The transport drains
// Outbox and writes each envelope to the client. The queue is closed when
// the hub removes the connection.
type Connection struct {
	ID string

	// displayName and joined are guarded by the owning Hub's mutex.
	displayName string
	joined      time.Time

	outbox  chan protocol.Envelope
	dropped int
}

// Outbox returns the queue of events waiting to be written to the client.
// It is closed after Remove.
func (c *Connection) Outbox() <-chan protocol.Envelope {
	return c.outbox
}

// Peer is a snapshot of one registered connection.
type Peer struct {
	Joined time.Time
	ID     string
	Name   string
}

// Hub is the connection registry, router arbitration and navigation relay
// for a single running service.
//
// All mutations run under one mutex, so each inbound event (admit,
// identify, claim, navigate, remove) finishes its fan-out before the next
// one starts. Fan-out never blocks: events are offered to each bounded
// outbox with a non-blocking send and dropped for that destination when
// the outbox is full.
type Hub struct {
	conns      map[string]*Connection
	logger     *slog.Logger
	holder     string
	mu         sync.Mutex
	outboxSize int
}

// NewHub creates an empty hub. outboxSize <= 0 selects DefaultOutboxSize.
func NewHub(outboxSize int, logger *slog.Logger) *Hub {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:      make(map[string]*Connection),
		logger:     logger,
		outboxSize: outboxSize,
	}
}

// Admit registers a new connection with the anonymous display name and
// queues the current router holder for it alone.
func (h *Hub) Admit() *Connection {
	conn := &Connection{
		ID:          uuid.NewString(),
		displayName: AnonymousName,
		joined:      time.Now(),
		outbox:      make(chan protocol.Envelope, h.outboxSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// uuid collisions are not expected, but an id must never be shared by
	// two live connections.
	for h.conns[conn.ID] != nil {
		conn.ID = uuid.NewString()
	}
	h.conns[conn.ID] = conn
	h.offer(conn, h.routerClaimedLocked())

	h.logger.Info("connection admitted", "conn", conn.ID, "connections", len(h.conns))
	return conn
}

// Identify sets the display name of connection id. An unknown id is
// logged and ignored; it usually means the identify raced a disconnect.
func (h *Hub) Identify(id, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[id]
	if !ok {
		h.logger.Warn("identify for unknown connection", "conn", id, "name", name)
		return
	}
	conn.displayName = name
	h.logger.Debug("connection identified", "conn", id, "name", name)
}

// Remove unregisters connection id and closes its outbox. Removing an
// absent id does nothing.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)
	close(conn.outbox)
	h.logger.Info("connection removed", "conn", id, "connections", len(h.conns))
}

// List returns a snapshot of registered connections in admission order.
func (h *Hub) List() []Peer {
	h.mu.Lock()
	peers := make([]Peer, 0, len(h.conns))
	for _, conn := range h.conns {
		peers = append(peers, Peer{ID: conn.ID, Name: conn.displayName, Joined: conn.joined})
	}
	h.mu.Unlock()

	slices.SortFunc(peers, func(a, b Peer) int {
		if c := a.Joined.Compare(b.Joined); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return peers
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Claim makes identity the router holder, replacing any previous holder,
// and broadcasts the new holder to every connection including the
// claimer. It returns the new holder.
func (h *Hub) Claim(identity string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous := h.holder
	h.holder = identity

	env := h.routerClaimedLocked()
	for _, conn := range h.conns {
		h.offer(conn, env)
	}

	h.logger.Info("router claimed", "holder", identity, "previous", previous, "connections", len(h.conns))
	return h.holder
}

// Current returns the router holder, or "" if nobody has claimed it.
func (h *Hub) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holder
}

// Navigate relays an open_song event for songID to every connection
// registered at call time except origin. It returns the number of
// connections the event was queued for. An origin that is no longer
// registered relays nothing.
func (h *Hub) Navigate(origin string, songID int64) int {
	env, err := protocol.NewEnvelope(protocol.EventOpenSong, protocol.OpenSongPayload{SongID: songID})
	if err != nil {
		h.logger.Error("encode open_song", "error", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[origin]; !ok {
		h.logger.Debug("navigation from unknown connection ignored", "origin", origin, "song_id", songID)
		return 0
	}

	delivered, dropped := 0, 0
	for id, conn := range h.conns {
		if id == origin {
			continue
		}
		if h.offer(conn, env) {
			delivered++
		} else {
			dropped++
		}
	}

	h.logger.Debug("navigation relayed", "origin", origin, "song_id", songID,
		"delivered", delivered, "dropped", dropped)
	return delivered
}

// routerClaimedLocked builds the router_claimed event for the current
// holder. Caller must hold h.mu.
func (h *Hub) routerClaimedLocked() protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.EventRouterClaimed,
		protocol.RouterClaimedPayload{RouterUser: protocol.Holder(h.holder)})
	if err != nil {
		// RouterClaimedPayload always marshals.
		panic(err)
	}
	return env
}

// offer queues env on conn without blocking. Caller must hold h.mu, which
// also guarantees the outbox is still open.
func (h *Hub) offer(conn *Connection, env protocol.Envelope) bool {
	select {
	case conn.outbox <- env:
		return true
	default:
		conn.dropped++
		h.logger.Warn("outbox full, dropping event", "conn", conn.ID, "event", env.Event, "dropped", conn.dropped)
		return false
	}
}
