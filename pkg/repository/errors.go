package repository

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when creating an account whose username exists.
	ErrDuplicate = errors.New("username already exists")
	// ErrConfiguration aborts start-up of the persistence layer.
	ErrConfiguration = errors.New("persistence configuration error")
	// ErrConnectivity is returned once per-operation retries are exhausted.
	ErrConnectivity = errors.New("persistence connectivity error")
	// ErrInvalidPayload is returned for analysis results that cannot be stored as JSON.
	ErrInvalidPayload = errors.New("analysis payload is not JSON-safe")
	// ErrInvalidInput is returned for values rejected before reaching a backend.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned when a password check fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
