package investigation

// RetryDecision is what the classifier tells the executor to do with a
// failed attempt.
type RetryDecision int

const (
	// FailNow: deterministic failure, go terminal regardless of attempts.
	FailNow RetryDecision = iota
	// FailExhausted: transient failure but no attempts remain, go terminal.
	FailExhausted
	// RetryLater: transient failure with attempts remaining. Release the
	// lease and propagate so the queue redelivers with backoff.
	RetryLater
)

func (d RetryDecision) String() string {
	switch d {
	case FailNow:
		return "fail_now"
	case FailExhausted:
		return "fail_exhausted"
	case RetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// classify maps a failure and its attempt position to a decision.
func classify(err error, isLastAttempt bool) RetryDecision {
	if kindOf(err) == FailureNonRetryable {
		return FailNow
	}
	if isLastAttempt {
		return FailExhausted
	}
	return RetryLater
}
