// Package storage persists schedulable posts.
//
// It exposes a small CRUD Store interface backed by SQLite. Timestamps are
// stored as unix milliseconds; NULL columns map to Go zero values.
package storage
