package phonebook

import (
	"errors"
	"fmt"
)

// Failure kinds for a phonebook fetch. Match them with errors.Is.
var (
	ErrNetwork   = errors.New("router unreachable")
	ErrAuth      = errors.New("authentication rejected")
	ErrMalformed = errors.New("malformed response")
)

// FetchError describes a failed phonebook fetch.
type FetchError struct {
	Kind error // one of ErrNetwork, ErrAuth, ErrMalformed
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether trying again later may succeed. Rejected
// credentials will keep being rejected.
func (e *FetchError) Retryable() bool {
	return !errors.Is(e.Kind, ErrAuth)
}

func fetchErr(kind error, op string, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: err}
}
