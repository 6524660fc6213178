package domain

import "errors"

// ErrNotFound indicates that a referenced entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates an insert collided with an existing entity.
var ErrConflict = errors.New("conflict")
