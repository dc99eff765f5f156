package completion

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork means the request never produced an HTTP response,
	// including when the circuit breaker is open.
	ErrNetwork = errors.New("completion endpoint unreachable")
	// ErrMalformedResponse means a 2xx body without content[0].text.
	ErrMalformedResponse = errors.New("malformed completion response")
)

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion endpoint returned status %d: %s", e.Status, e.Body)
}

// FallbackText maps a completion error onto the assistant reply shown in its place.
func FallbackText(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf(fallbackHTTPFormat, httpErr.Status)
	case errors.Is(err, ErrMalformedResponse):
		return fallbackMalformed
	default:
		return fallbackNetwork
	}
}
