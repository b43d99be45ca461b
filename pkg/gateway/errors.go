package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported payment provider")
	ErrSignatureInvalid    = errors.New("callback signature invalid")
	ErrMalformedCallback   = errors.New("malformed callback payload")
	ErrTransport           = errors.New("payment gateway transport failure")
	ErrProviderRejected    = errors.New("payment gateway rejected request")
	ErrInvalidAmount       = errors.New("amount cannot be expressed in provider units")
)

// UnsupportedProviderError is returned when no client is registered for a provider.
type UnsupportedProviderError struct {
	Provider Provider
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnsupportedProvider.Error(), string(e.Provider))
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// TransportError wraps network failures and unexpected HTTP statuses from a provider.
// Callers must not retry inline; the scheduled reconciliation picks the work up again.
type TransportError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ProviderError is a well-formed provider response that reports a business failure.
type ProviderError struct {
	Provider Provider
	Op       string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s rejected: code=%s message=%s", e.Provider, e.Op, e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderRejected
}
