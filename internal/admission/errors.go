package admission

import "fmt"

// Code identifies why a request was rejected.
type Code string

const (
	CodeInvalidTaskType          Code = "InvalidTaskType"
	CodeQuotaExceeded            Code = "QuotaExceeded"
	CodeConcurrencyLimitExceeded Code = "ConcurrencyLimitExceeded"
	CodeInvalidInput             Code = "InvalidInput"
	CodeInvalidOwner             Code = "InvalidOwner"
	CodeDuplicateTask            Code = "DuplicateTask"
)

// RejectionError is a client-correctable admission failure. Nothing is
// written to the store when one is returned.
type RejectionError struct {
	Code    Code
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any RejectionError with the same code, so callers can test
// errors.Is(err, admission.ErrQuotaExceeded).
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidTaskType          = &RejectionError{Code: CodeInvalidTaskType}
	ErrQuotaExceeded            = &RejectionError{Code: CodeQuotaExceeded}
	ErrConcurrencyLimitExceeded = &RejectionError{Code: CodeConcurrencyLimitExceeded}
	ErrInvalidInput             = &RejectionError{Code: CodeInvalidInput}
	ErrInvalidOwner             = &RejectionError{Code: CodeInvalidOwner}
	ErrDuplicateTask            = &RejectionError{Code: CodeDuplicateTask}
)

func reject(code Code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}
