// Package repository holds the interfaces and GORM-backed implementations
// for every persisted entity in the metadata index (C2). One file per
// entity; every implementation follows the same conventions: context-scoped
// queries, fmt.Errorf wrapping with a "<entity>: <op>: %w" prefix, and the
// sentinel errors below for not-found/conflict translation.
package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint or a compare-and-set precondition fails.
var ErrConflict = errors.New("record already exists or was concurrently modified")
