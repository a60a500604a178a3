package repository

import "errors"

// Common repository errors
var (
	ErrNotFound    = errors.New("record not found")
	ErrSaveFailed  = errors.New("failed to save record")
	ErrQueryFailed = errors.New("failed to query records")
)
