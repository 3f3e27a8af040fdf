// Package store persists the agent session ledger.
//
// A session is one connection lifetime of an agent: it opens when the bus
// registers the agent and closes, with a DisconnectReason, when the agent is
// unregistered. Message payloads are never stored; the bus itself is
// in-memory and the ledger exists for operators.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite (pure Go), WAL mode for file databases,
//     schema created on open. MemoryPath opens a private in-memory database.
//   - MockStore: in-memory implementation for tests; Err forces write failures.
//
// # Reasons
//
//	closed    peer closed the websocket cleanly
//	error     transport failure, read limit, or heartbeat timeout
//	shutdown  gateway stopping, or the session was found open at startup
//
// Ending a session twice returns ErrSessionClosed; unknown ids return
// ErrNotFound.
package store
