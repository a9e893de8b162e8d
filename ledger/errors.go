package ledger

import "errors"

// ErrValidation is returned when an observation fails input validation.
// Nothing is written when this error is returned.
var ErrValidation = errors.New("ledger: invalid input")

// ErrEntityNotFound is returned when an append references an entity that
// does not exist in the entities table.
var ErrEntityNotFound = errors.New("ledger: entity not found")
