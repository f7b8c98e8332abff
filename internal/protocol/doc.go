// Package protocol defines the messages exchanged between Echo clients and
// the catalog service, along with the small JSON-over-HTTP helpers used by
// the control panel to talk to a running service.
//
// # Overview
//
// The coordination layer speaks JSON envelopes over a WebSocket. Every
// frame in either direction has the same shape:
//
//	{"event": "open_song", "data": {"song_id": 42}}
//
// The event name selects the payload type. Payloads are decoded lazily by
// the receiver so an unknown event can be skipped without failing the
// connection.
//
// # Events
//
// Client to server:
//
//	identify      {"username": "alice"}   set this connection's display name
//	claim_router  {"user": "alice"}       become the navigation driver
//	open_song     {"song_id": 42}         ask every other viewer to open 42
//
// Server to client:
//
//	router_claimed  {"router_user": "alice"}   authoritative router holder
//	open_song       {"song_id": 42}            open this song now
//
// router_claimed is sent once to a newly connected client (with a null
// router_user when nobody has claimed the role yet) and broadcast to every
// client after each claim.
//
// # HTTP helpers
//
// GetJSON wraps a shared http.Client with a short timeout. It treats any
// status >= 300 as an error.
package protocol
