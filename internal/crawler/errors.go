package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks storage or infrastructure failures that warrant a pool reset.
	ErrTransient = errors.New("transient infrastructure failure")
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotFound is returned when a document or datum does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// NewTransientError wraps err so that IsTransient reports true.
func NewTransientError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsTransient reports whether err is a transient infrastructure failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ServiceInterruption is raised by connectors and outputs that are
// temporarily unavailable for a document or job.
type ServiceInterruption struct {
	Message string
	// RetryTime is when the work should be attempted again.
	RetryTime time.Time
	// FailTime, when set, is the deadline after which retries escalate.
	FailTime time.Time
	// FailRetryCount is the retry budget; -1 means unlimited and 0 means the
	// failure is final. Literals must set it explicitly; NewServiceInterruption
	// starts at -1.
	FailRetryCount int
	// AbortOnFail aborts the whole job once the budget is exhausted.
	AbortOnFail bool
	// JobInactiveAbort is set when the interruption happened because the job stopped.
	JobInactiveAbort bool
}

func (e *ServiceInterruption) Error() string {
	return fmt.Sprintf("service interruption: %s (retry at %s)", e.Message, e.RetryTime.Format(time.RFC3339))
}

// NewServiceInterruption builds an interruption with an unlimited retry budget.
func NewServiceInterruption(msg string, retryAt time.Time) *ServiceInterruption {
	return &ServiceInterruption{Message: msg, RetryTime: retryAt, FailRetryCount: -1}
}

// AsServiceInterruption extracts a ServiceInterruption from err.
func AsServiceInterruption(err error) (*ServiceInterruption, bool) {
	var si *ServiceInterruption
	if errors.As(err, &si) {
		return si, true
	}
	return nil, false
}

// SetupError is a fatal configuration or setup failure.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError wraps err as a fatal setup failure.
func NewSetupError(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

// IsSetup reports whether err is a fatal setup failure.
func IsSetup(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
