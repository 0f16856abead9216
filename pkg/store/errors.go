package store

import "errors"

// Sentinel errors making up the operation failure taxonomy. Callers match
// with errors.Is and map to their own surface (HTTP status, ws error frame).
var (
	ErrValidation     = errors.New("validation failed")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyMember  = errors.New("already a member")
	ErrNotParticipant = errors.New("not a participant")
)
