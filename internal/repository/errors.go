package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates an insert collided with an existing unique key.
	ErrConflict = errors.New("repository: conflict")
)
