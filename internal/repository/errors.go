package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates an optimistic revision check failed.
var ErrConflict = errors.New("repository: revision conflict")
