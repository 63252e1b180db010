package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateTask   = errors.New("task already exists")
	ErrLeaseLost       = errors.New("job lease not held by this consumer")
	ErrAlreadyRecorded = errors.New("usage already recorded for task")
)
