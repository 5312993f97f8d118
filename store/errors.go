package store

import "errors"

var (
	// ErrNotFound is returned when a referenced item does not exist.
	ErrNotFound = errors.New("treeorder: item not found")

	// ErrInvalidTarget is returned when a move target is not a folder or would
	// make an item its own ancestor.
	ErrInvalidTarget = errors.New("treeorder: invalid target")

	// ErrValidation is returned when a required field is missing or malformed.
	ErrValidation = errors.New("treeorder: validation failed")

	// ErrNotEmpty is returned when deleting a folder that still has children.
	ErrNotEmpty = errors.New("treeorder: folder is not empty")

	// ErrConcurrencyTimeout is returned when scope locks are not acquired in time.
	ErrConcurrencyTimeout = errors.New("treeorder: timed out waiting for scope lock")

	// ErrConcurrentModification is returned by optimistic backends when a scope
	// changed between read and commit.
	ErrConcurrentModification = errors.New("treeorder: scope was modified concurrently")

	// ErrScopeTooLarge is returned when a renumbering exceeds the backend's
	// transaction size.
	ErrScopeTooLarge = errors.New("treeorder: renumbering exceeds transaction limit")
)

// Wire codes for the error taxonomy.
const (
	CodeNotFound           = "NotFound"
	CodeInvalidTarget      = "InvalidTarget"
	CodeValidationError    = "ValidationError"
	CodeNotEmpty           = "NotEmpty"
	CodeConcurrencyTimeout = "ConcurrencyTimeout"
	CodeInternal           = "Internal"
)

// Code maps err to its wire code. Optimistic conflicts surface as
// ConcurrencyTimeout since the caller's remedy is the same.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTarget):
		return CodeInvalidTarget
	case errors.Is(err, ErrValidation):
		return CodeValidationError
	case errors.Is(err, ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, ErrConcurrencyTimeout), errors.Is(err, ErrConcurrentModification):
		return CodeConcurrencyTimeout
	}
	return CodeInternal
}
