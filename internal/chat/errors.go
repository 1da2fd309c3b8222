package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential means no unlocked API key is available.
	ErrMissingCredential = errors.New("no api key available")
	// ErrUnsupportedModel means the model id resolves to no known endpoint.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// UpstreamError is a non-2xx response from the provider. The body is
// kept for diagnostics.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d: %s", e.Status, e.Body)
}

// TransportError is a network-level failure talking to the provider.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
