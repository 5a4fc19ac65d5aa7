package capability

import (
	"errors"
	"fmt"
)

// Kind classifies a handler failure.
type Kind string

const (
	KindRecoverable Kind = "recoverable"
	KindStructural  Kind = "structural"
)

// Failure is the error type handlers return. Recoverable failures may be
// retried; structural ones never are.
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// Recoverable returns a transient failure.
func Recoverable(detail string, err error) *Failure {
	return &Failure{Kind: KindRecoverable, Detail: detail, Err: err}
}

// Structural returns a permanent failure.
func Structural(detail string, err error) *Failure {
	return &Failure{Kind: KindStructural, Detail: detail, Err: err}
}

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
