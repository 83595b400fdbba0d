// Package session holds the generation session model and the registry
// that owns live sessions.
//
// A Session serializes all of its own mutation behind one mutex: event
// append, sequence numbering, token totals and subagent counts. Different
// sessions never contend. The Registry maps ids to sessions, drives the
// close protocol (cancel, drain, persist, evict) and falls back to the
// Store for sessions that were already evicted.
//
// Errors returned by this package and by the engine built on it are
// *Error values carrying a Kind and a stable code.
package session
