package domain

import "time"

// DispatchAttempt records a single delivery attempt of an approved batch to
// the machine gateway.
type DispatchAttempt struct {
	ID            string
	BatchID       string
	AttemptNumber int
	StatusCode    *int
	ResponseBody  *string
	Error         *string
	CreatedAt     time.Time
}
