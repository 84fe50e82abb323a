package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// TransportError is a failure to open or complete a request: either the
// server answered with a non-2xx status or the connection failed.
type TransportError struct {
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	if e.Timeout {
		return fmt.Sprintf("request timed out: %v", e.Err)
	}
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the server answered with an error status
func (e *TransportError) Rejected() bool {
	return e.StatusCode != 0
}

// IsUnauthorized reports whether err is a 401 from the server
func IsUnauthorized(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusUnauthorized
}

// errorDetail extracts the human readable message from an error body. The
// backend answers {"detail": "..."} or a list of validation errors.
func errorDetail(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		detail := gjson.GetBytes(body, "detail")
		switch {
		case detail.Type == gjson.String:
			return detail.String()
		case detail.IsArray():
			var msgs []string
			detail.ForEach(func(_, item gjson.Result) bool {
				if msg := item.Get("msg"); msg.Exists() {
					msgs = append(msgs, msg.String())
				}
				return true
			})
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
		if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String {
			return msg.String()
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
