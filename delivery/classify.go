package delivery

import "time"

// MaxAttempts is the total attempt budget of one delivery job.
const MaxAttempts = 4

// Decision is the outcome of evaluating a delivery attempt.
type Decision int

const (
	// Delivered means the callback accepted the POST (2xx).
	Delivered Decision = iota

	// Retry means the attempt failed and the job should run again.
	Retry

	// Fail means the attempt failed permanently: the registration is
	// deactivated and the job does not run again.
	Fail
)

// Result holds the outcome of a single callback POST.
type Result struct {
	// StatusCode is 0 when no response was received.
	StatusCode int

	// Error is the transport or marshalling failure, if any.
	Error string

	// Response is the response body, already capped at read time.
	Response string

	// RequestBody is the JSON that was sent, verbatim.
	RequestBody string

	// Duration is the POST round-trip time.
	Duration time.Duration
}

// Classify decides what to do with a delivery after an attempt.
//
// Decision matrix:
//   - 2xx → Delivered
//   - 400, 401, 403, 404 → Fail immediately (client error won't self-correct)
//   - other 4xx (e.g. 429) → one retry, then Fail
//   - 5xx, unrecognized codes, connection/timeout errors → Retry
//   - any retryable failure once attemptNumber reaches maxAttempts → Fail
func Classify(res Result, attemptNumber, maxAttempts int) Decision {
	code := res.StatusCode

	if code >= 200 && code < 300 {
		return Delivered
	}
	if !retryable(code, attemptNumber) {
		return Fail
	}
	if attemptNumber >= maxAttempts {
		return Fail
	}
	return Retry
}

func retryable(code, attemptNumber int) bool {
	switch {
	case code == 400 || code == 401 || code == 403 || code == 404:
		return false
	case code >= 400 && code < 500:
		// Ambiguous client errors get a single retry.
		return attemptNumber < 2
	default:
		// 5xx, anything >= 600, and transport errors (code 0).
		return true
	}
}
