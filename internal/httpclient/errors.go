package httpclient

import (
	"errors"
	"fmt"
)

// UpstreamError represents a non-2xx answer from an upstream service
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
}

// TransportError is a failure to get any answer: dial, TLS, reset, timeout
// or an unreadable body.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// IsTransport reports whether err never got an HTTP answer.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
