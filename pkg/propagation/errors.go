package propagation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValueMissing means the server answered but none of its TXT
	// records contained the expected value.
	ErrValueMissing = errors.New("expected value not in answer")
	ErrNoAnswer     = errors.New("empty answer")
)

// PollError is a recoverable failure of one query within a poll attempt.
// It only means the record has not been observed yet.
type PollError struct {
	Attempt int
	Server  string
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("attempt %d: %s: %v", e.Attempt, e.Server, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned once every allowed attempt was spent without
// observing the record. Whether that is fatal is up to the caller.
type TimeoutError struct {
	FQDN     string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not observed after %d attempts in %s: %v",
		e.FQDN, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
