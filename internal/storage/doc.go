// Package storage persists the dispatch engine's state.
//
// It holds:
//   - messages and their delivery items
//   - scheduled sends
//   - the engine event log
//
// Every status transition is a single conditional UPDATE whose WHERE clause
// names the expected current status. Callers learn from the returned bool
// whether the precondition held.
package storage
