package discord

import (
	"encoding/json"
	"fmt"
	"io"
)

// APIError is the body discord responds with when a request fails
type APIError struct {
	StatusCode int             `json:"-"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

func readErr(r io.Reader, statusCode int) (*APIError, error) {
	er := &APIError{StatusCode: statusCode}
	if err := json.NewDecoder(r).Decode(er); err != nil {
		return nil, fmt.Errorf("error decoding error: %w", err)
	}

	return er, nil
}
