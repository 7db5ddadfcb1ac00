// Package session implements the per-connection protocol core of the audio
// gateway: the client session state machine, the message dispatcher, the
// capability listing encoder, and the process-wide session registry that
// doubles as the endpoint lock coordinator.
//
// All session and registry state is confined to the server event loop;
// engine completion callbacks are re-posted onto it before touching
// anything. That confinement is the concurrency model: no field in this
// package carries its own lock.
package session
