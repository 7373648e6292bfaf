package investigation

import "errors"

// ErrInvalidInput is returned when an intake request fails validation.
var ErrInvalidInput = errors.New("investigation: invalid input")

// ErrNotFound is returned when a referenced row no longer exists.
var ErrNotFound = errors.New("investigation: not found")

// FailureKind distinguishes "the model output was wrong" from "the network
// blipped". Unknown errors default to transient: a deterministic failure
// must be marked explicitly, because misclassifying a blip as permanent
// kills a job that would have succeeded on redelivery.
type FailureKind int

const (
	// FailureTransient may succeed on retry (timeouts, rate limits, 5xx).
	FailureTransient FailureKind = iota
	// FailureNonRetryable will fail identically every time (malformed
	// model output, rejected input, 4xx).
	FailureNonRetryable
)

// InvestigatorError wraps an investigator failure with its retry class.
type InvestigatorError struct {
	Kind FailureKind
	Err  error
}

func (e *InvestigatorError) Error() string {
	if e.Kind == FailureNonRetryable {
		return "investigation: non-retryable: " + e.Err.Error()
	}
	return "investigation: transient: " + e.Err.Error()
}

func (e *InvestigatorError) Unwrap() error { return e.Err }

// NonRetryable marks err as a deterministic failure.
func NonRetryable(err error) error {
	return &InvestigatorError{Kind: FailureNonRetryable, Err: err}
}

// Transient marks err as a failure worth retrying.
func Transient(err error) error {
	return &InvestigatorError{Kind: FailureTransient, Err: err}
}

// kindOf extracts the failure kind from an error chain.
func kindOf(err error) FailureKind {
	var ie *InvestigatorError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return FailureTransient
}
