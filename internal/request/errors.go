package request

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is returned by MakeRequest for non-2xx responses
type HTTPError struct {
	StatusCode int
	Message    string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP error %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the status of an *HTTPError in err's chain, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
