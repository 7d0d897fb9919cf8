// Package apierr turns vendor call failures into classified, human-readable
// messages. The raw vendor text is always kept in the message.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// HTTPStatusError carries a non-2xx vendor response.
type HTTPStatusError struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	Source string `json:"source"` // e.g. "OpenAI", "Anthropic"
	// Type is the vendor error type when the body names one (e.g. "overloaded_error").
	Type string `json:"type,omitempty"`
	// Message is the vendor's own error message extracted from Body.
	Message string `json:"message,omitempty"`
}

func NewHTTPStatusError(status int, body, source string) *HTTPStatusError {
	e := &HTTPStatusError{Status: status, Body: body, Source: source}
	e.Type, e.Message = parseVendorError(body)
	return e
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s http %d: %s", e.Source, e.Status, e.Message)
	}
	return fmt.Sprintf("%s http %d: %s", e.Source, e.Status, e.Body)
}

// FromResponse reads a bounded error body from resp.
func FromResponse(resp *http.Response, source string) *HTTPStatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return NewHTTPStatusError(resp.StatusCode, strings.TrimSpace(string(b)), source)
}

// StreamError is reported by a vendor inside an open event stream.
type StreamError struct {
	Source  string
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error (%s): %s", e.Source, e.Type, e.Message)
}

// parseVendorError understands the {"error":{"type":..,"message":..}} shape
// shared by Anthropic, OpenAI and Gemini (Gemini uses "status").
func parseVendorError(body string) (string, string) {
	var env struct {
		Error struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return "", ""
	}
	t := env.Error.Type
	if t == "" {
		t = env.Error.Status
	}
	return t, env.Error.Message
}

// Classify renders err as a message whose prefix names the failure category.
func Classify(vendor string, err error) string {
	if err == nil {
		return ""
	}
	raw := err.Error()
	lower := strings.ToLower(raw)

	var he *HTTPStatusError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusUnauthorized:
			return fmt.Sprintf("Authentication failed (401): Check API key validity - %s", raw)
		case he.Status == http.StatusTooManyRequests:
			if isQuota(lower) {
				return fmt.Sprintf("Quota/billing issue (429): %s", raw)
			}
			return fmt.Sprintf("Rate limited (429): Too many requests, try again later - %s", raw)
		case he.Type == "overloaded_error" || he.Status == 529:
			return fmt.Sprintf("Service overloaded: %s servers are experiencing high demand - %s", vendor, raw)
		case he.Status == http.StatusInternalServerError || he.Status == http.StatusBadGateway || he.Status == http.StatusServiceUnavailable:
			return fmt.Sprintf("%s server error (%d): Service temporarily unavailable - %s", vendor, he.Status, raw)
		case he.Status == http.StatusBadRequest:
			return fmt.Sprintf("Invalid request (400): %s", raw)
		case he.Status == http.StatusPaymentRequired || isQuota(lower):
			return fmt.Sprintf("Quota/billing issue: %s", raw)
		}
		return fmt.Sprintf("%s API error (%d): %s", vendor, he.Status, raw)
	}

	var se *StreamError
	if errors.As(err, &se) && se.Type == "overloaded_error" {
		return fmt.Sprintf("Service overloaded: %s servers are experiencing high demand - %s", vendor, raw)
	}

	if isNetwork(err, lower) {
		return fmt.Sprintf("Network connection error: Unable to reach %s servers - %s", vendor, raw)
	}
	if strings.Contains(lower, "api") && strings.Contains(lower, "key") {
		return fmt.Sprintf("API key error: %s", raw)
	}
	if isQuota(lower) {
		return fmt.Sprintf("Quota/billing issue: %s", raw)
	}
	return fmt.Sprintf("%s API error: %s", vendor, raw)
}

func isQuota(lower string) bool {
	return strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "insufficient_quota")
}

func isNetwork(err error, lower string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	for _, s := range []string{"connection", "timeout", "network", "no such host", "econnreset", "eof"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
