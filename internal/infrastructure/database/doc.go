// Package database provides the SQLite connection behind the invocation
// history store.
//
// It opens the database with WAL mode and a busy timeout, applies embedded
// schema migrations at startup, and exposes a health check for the host's
// startup verification. All queries use parameterised statements; the
// database file is created with owner-only permissions.
//
// Reservation and queue state never touches this package: the broker is
// deliberately memory-only and rebuilds from client retries after a restart.
// Only terminal invocation records are persisted.
package database
