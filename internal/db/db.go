package db

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// DB is the storage surface of the federation engine. Implementations convert
// driver errors to the sentinels above so callers never see sql package
// details.
type DB interface {
	Actors
	RemoteActors
	Deliveries
	Social
	Settings
}
