package storage

import "errors"

// ErrConflict is returned by Put when a schedule id already exists and
// replaceExisting was false.
var ErrConflict = errors.New("storage: schedule id already exists")

// ErrNotFound is returned by Get/GetJob when the identifier is unknown.
var ErrNotFound = errors.New("storage: not found")
