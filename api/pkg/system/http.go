package system

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// the sub path the API is served over
const APISubPath = "/api/v1"

type HTTPError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError(err error) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Message:    err.Error(),
	}
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
	}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusNotFound,
		Message:    message,
	}
}

func NewHTTPError409(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusConflict,
		Message:    message,
	}
}

// WriteError writes an HTTPError (or wraps a plain error as a 500) as a
// JSON response body.
func WriteError(rw http.ResponseWriter, err error) {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		httpErr = NewHTTPError(err)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(httpErr.StatusCode)
	if encodeErr := json.NewEncoder(rw).Encode(httpErr); encodeErr != nil {
		log.Error().Err(encodeErr).Msg("failed to encode error response")
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
