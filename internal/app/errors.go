package app

import (
	"fmt"
	"net/http"
)

// RequestError is a failure the client can act on. It is rendered with its own status
// and code; any other error becomes a 500.
type RequestError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

func invalidTask(err error) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_TASK",
		Message: err.Error(),
		Err:     err,
	}
}
