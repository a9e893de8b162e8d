package resolver

import "errors"

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("resolver: entity not found")

// ErrInvalidInput is returned when an entity type or identity key fails
// validation before any write.
var ErrInvalidInput = errors.New("resolver: invalid input")
