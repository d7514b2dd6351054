package db

import "errors"

// errNotFound is wrapped into every repository's not-found path so
// callers can errors.Is(err, db.ErrNotFound) regardless of which table
// produced it.
var errNotFound = errors.New("not found")

// ErrNotFound is the exported sentinel; errNotFound stays unexported so
// every package-internal wrap site is forced through fmt.Errorf("%w").
var ErrNotFound = errNotFound
