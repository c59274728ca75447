// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the selected region. The client
// never retries these; retry policy belongs to the caller.
type APIError struct {
	// StatusCode is the HTTP status of the failed call.
	StatusCode int

	// Body is the parsed JSON error body, nil when the body was not
	// JSON.
	Body map[string]interface{}

	// Message is the human-readable error extracted from the body.
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// messageKeys are tried in order when extracting a message from an
// error body. "detail" is what the PhotoStream API emits.
var messageKeys = []string{"detail", "message", "error"}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	if json.Unmarshal(raw, &apiErr.Body) == nil {
		for _, key := range messageKeys {
			if v, ok := apiErr.Body[key].(string); ok && v != "" {
				apiErr.Message = v
				break
			}
		}
		return apiErr
	}

	// Not JSON: keep a trimmed slice of the raw body.
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	apiErr.Message = msg
	return apiErr
}
