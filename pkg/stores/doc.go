// Package stores provides the persistence layer of the Smart Pipeline.
// It includes SQLite-based storage with WAL mode and embedded migrations for
// runs, idempotent submissions, observer reports, shadow errors, the command
// audit trail and the event timeline. Reports survive process restarts, so a
// report can be read from a different process than the one that ran it.
package stores
