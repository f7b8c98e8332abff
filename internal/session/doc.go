// Package session coordinates live Echo viewers: it tracks who is connected,
// which of them is the router (the viewer currently driving navigation for
// everybody else), and relays navigation events between them.
//
// # Overview
//
// A single Hub owns all coordination state for a running service:
//
//	┌──────────────────────────────────────┐
//	│                 Hub                  │
//	├──────────────────────────────────────┤
//	│  conns:  id → Connection             │
//	│          (display name, outbox)      │
//	│  holder: current router identity     │
//	│  mu:     serialises every event      │
//	└──────────────────────────────────────┘
//
// Admit, Identify and Remove form the connection registry. Claim and
// Current form the router arbitration: a claim is unconditional and the
// last claim wins. Navigate is the relay: it queues an open_song event for
// every connection except the sender.
//
// # Delivery
//
// Each Connection has a bounded outbox. The hub offers events to outboxes
// with non-blocking sends while holding its lock, so an event's fan-out is
// complete before the next event is processed, and a stalled client can
// only lose its own events. Transport writes happen outside the lock, in a
// per-connection goroutine run by Handler.
//
// Navigate snapshots the registry at call time. A connection admitted after
// the call does not see the event; one removed before its writer drains the
// outbox simply never receives it.
//
// # Transport
//
// Handler serves the hub over WebSocket using gorilla/websocket. Frames are
// protocol.Envelope values; see package protocol for the event catalogue.
//
// # Event Handling
//
// Dispatch maps one decoded envelope to one hub call:
//
//	identify      → Identify(id, username)
//	claim_router  → Claim(user)
//	open_song     → Navigate(id, song_id)
//
// Unknown events and payloads that fail to decode are returned as errors;
// Handler logs them and keeps the connection open. References to a
// connection that is already gone are benign: Identify logs a warning and
// Navigate relays nothing.
//
// # Failure Handling
//
// Slow clients:
//   - A full outbox drops the event for that connection only and counts
//     the drop in the log.
//   - The writer enforces a write deadline per message; a client that
//     cannot keep up is disconnected by its own writer.
//
// Dead clients:
//   - The reader expects a pong within 60s of each ping.
//   - Any read error ends the connection: it is removed from the hub and
//     its outbox closed, which stops the writer.
//
// # State lifetime
//
// Nothing here is persisted. The router holder starts empty and is only
// reset by restarting the process.
//
// # Usage Example
//
//	hub := session.NewHub(session.DefaultOutboxSize, logger)
//	mux.Handle("GET /ws", session.NewHandler(hub, 10*time.Second, logger))
//
//	// Admin view of who is connected.
//	for _, p := range hub.List() {
//	    fmt.Println(p.ID, p.Name)
//	}
//	fmt.Println("router:", hub.Current())
//
// # Testing
//
// Hub behaviour is tested directly by reading outboxes; Handler is tested
// end to end through httptest and a gorilla/websocket client:
//
//	go test ./internal/session/... -race
package session
