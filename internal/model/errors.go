package model

import "errors"

// Collaborator errors. Steps treat all three as final.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrNoRows           = errors.New("no rows affected")
)
