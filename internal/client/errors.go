package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Sentinel errors for API operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the backend rejected the caller's credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServer indicates the backend failed while handling the request.
	ErrServer = errors.New("server error")
)

// APIError is a non-success HTTP response from the backend.
type APIError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error: %s - %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server error: %s", e.Status)
}

// Unwrap maps the status code onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrServer
	}
	return nil
}

// newAPIError reads a bounded error body. FastAPI reports failures as
// {"detail": "..."}; anything else is kept verbatim.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch d := payload.Detail.(type) {
		case string:
			apiErr.Detail = d
			return apiErr
		case nil:
			if payload.Error != "" {
				apiErr.Detail = payload.Error
				return apiErr
			}
		default:
			if raw, err := json.Marshal(d); err == nil {
				apiErr.Detail = string(raw)
				return apiErr
			}
		}
	}

	apiErr.Detail = strings.TrimSpace(string(body))
	return apiErr
}
