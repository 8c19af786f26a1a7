package providers

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid provider credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrMalformed           = errors.New("malformed provider payload")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// APIError is a non-2xx answer from a provider. Kind is one of the sentinel
// errors above, or nil for request errors the provider rejected outright.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Kind       error
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

func malformed(provider, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w: %s", provider, ErrMalformed, fmt.Sprintf(format, args...))
}

func missingCredential(provider, key string) error {
	return fmt.Errorf("%s: %w: missing %s", provider, ErrInvalidCredentials, key)
}
