package provider

import "errors"

// Transient marks a provider error as worth retrying within the same step
// invocation (timeouts, rate limits). Unmarked errors fail the step
// immediately.
type Transient struct{ Err error }

func (e *Transient) Error() string { return e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

func TransientErr(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}

func IsTransient(err error) bool {
	return errors.As(err, new(*Transient))
}
