package cloud

import (
	"errors"
	"fmt"
)

// ErrUnauthorized means the provider rejected the configured credentials.
var ErrUnauthorized = errors.New("cloud: invalid credentials")

// ErrNotFound means the requested instance does not exist on the provider.
var ErrNotFound = errors.New("cloud: instance not found")

// ProviderError wraps a failed provider API call.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func apiErr(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}
