package proposer

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError — удаленная сторона попросила подождать (HTTP 429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// PermanentError — ответ, который не исправится повтором (4xx, битый JSON).
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
