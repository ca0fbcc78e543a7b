// Package server provides the WebSocket connection layer for Pushwire.
//
// The server package upgrades HTTP requests, runs one commander actor per
// connection, and routes the wire traffic between peers and actors. It is
// the integration layer that brings together the actor runtime
// (pkg/commander), the request/response bridge (pkg/bridge), and the message
// envelope (pkg/protocol).
//
// # Connection Lifecycle
//
// Each WebSocket connection starts with a connect message carrying the
// peer's session identity and initial payload. The server seeds a new
// commander with the store kept for that session, attaches a bridge handle,
// and then serves the connection with two goroutines:
//
//   - the read loop decodes messages and routes them: events to the
//     commander, replies to the bridge, connects and loads to lifecycle
//     callbacks
//   - the heartbeat loop pings the peer on an interval
//
// When the connection closes, the commander's store is saved under the
// session identity so a reconnect gets it back, broker subscriptions are
// dropped, and the actor is stopped.
//
// # Broadcasts
//
// Subscribe attaches a connection to a broker topic. Handlers broadcast
// through their handle; the broker fans the message out to every subscribed
// connection, across processes when backed by Redis.
//
// # Mounting
//
// Handler returns a plain http.Handler:
//
//	r := chi.NewRouter()
//	r.Handle("/pushwire/ws", srv.Handler())
//	http.ListenAndServe(":4000", r)
package server
