package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrConflict           = errors.New("conflict")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTransientStore marks cache and broker failures. They are logged and
	// never reach the caller.
	ErrTransientStore = errors.New("transient store failure")
	// ErrDurability means the relational commit failed and the operation was aborted.
	ErrDurability = errors.New("durability failure")
	// ErrPartialSuccess is returned alongside a valid result when the relational
	// mutation is committed but a follow-up write could not be completed.
	ErrPartialSuccess = errors.New("partial success")
	ErrHistoryWrite   = errors.New("history write failed")
	ErrChainCorrupted = errors.New("version chain corrupted")
)
