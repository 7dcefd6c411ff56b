package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrCircuitOpen is joined into transport errors rejected by the open breaker.
var ErrCircuitOpen = errors.New("apiclient: upstream circuit open")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("apiclient: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("apiclient: %s %s: status %d", e.Method, e.Path, e.Status)
}

// StatusCode returns the upstream HTTP status.
func (e *StatusError) StatusCode() int { return e.Status }

// ServerMessage returns the message the upstream put in its error body.
func (e *StatusError) ServerMessage() string { return e.Message }

// TransportError is a request that never produced an upstream response.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorFromResponse drains and closes resp and reads the upstream error body,
// which is either {"error","message"}, {"code","message"} or plain text.
func errorFromResponse(req *http.Request, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	out := &StatusError{
		Method: req.Method,
		Path:   req.URL.Path,
		Status: resp.StatusCode,
	}
	if len(body) == 0 {
		return out
	}

	var payload struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
			out.Message = strings.TrimSpace(string(body))
		}
		return out
	}
	out.Code = strings.TrimSpace(payload.Code)
	out.Message = strings.TrimSpace(payload.Message)

	var errText string
	if len(payload.Error) > 0 && json.Unmarshal(payload.Error, &errText) == nil {
		errText = strings.TrimSpace(errText)
		if out.Code == "" {
			out.Code = errText
		}
		if out.Message == "" {
			out.Message = errText
		}
	}
	return out
}
