package chat

import "errors"

// Stable error kinds the handler maps to HTTP statuses with errors.Is.
// Callers get a (kind, message) pair: wrap with %w and add context.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
)
