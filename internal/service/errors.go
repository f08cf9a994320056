package service

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("an active session already exists for this class")
	ErrNotFound           = errors.New("session not found")
	ErrForbidden          = errors.New("caller did not create this session")
	ErrSessionUnavailable = errors.New("session is not active")
	ErrRotationFailure    = errors.New("token rotation failed")
	ErrRosterUnavailable  = errors.New("roster lookup failed")
	ErrRateLimited        = errors.New("too many scan attempts")
)
