package hubspot

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrOwnerNotFound is returned when no CRM owner matches a lookup.
var ErrOwnerNotFound = errors.New("owner not found")

// errorEnvelope is the error body HubSpot returns on non-2xx responses.
type errorEnvelope struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Category      string `json:"category"`
}

// HTTPError summarises a non-2xx CRM API response.
type HTTPError struct {
	Op            string
	StatusCode    int
	Status        string
	Category      string
	Message       string
	CorrelationID string

	// Snippet is a truncated hint for responses without a HubSpot envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "hubspot http error"
	}
	parts := []string{fmt.Sprintf("hubspot api error: op=%s status=%s", e.Op, e.Status)}
	if e.Category != "" {
		parts = append(parts, "category="+e.Category)
	}
	if e.Message != "" {
		parts = append(parts, "message="+e.Message)
	}
	if e.CorrelationID != "" {
		parts = append(parts, "correlationId="+e.CorrelationID)
	}
	if e.Snippet != "" {
		parts = append(parts, "body="+e.Snippet)
	}
	return strings.Join(parts, " ")
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
		if h.Status == "" {
			h.Status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && (env.Message != "" || env.Category != "") {
		h.Category = strings.TrimSpace(env.Category)
		h.Message = strings.TrimSpace(env.Message)
		h.CorrelationID = strings.TrimSpace(env.CorrelationID)
		return h
	}

	h.Snippet = truncate(body)
	return h
}

func truncate(body []byte) string {
	const max = 256
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}
