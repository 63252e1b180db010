package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidStatus       = errors.New("invalid task status")
	ErrInvalidPeriod       = errors.New("period must be YYYY-MM")
	ErrInvalidOwner        = errors.New("invalid owner")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrInvalidSubscription = errors.New("invalid subscription status")
)
