package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of ways a backend call can fail.
type Kind int

const (
	// KindTimeout means the gateway deadline elapsed and the request was aborted.
	KindTimeout Kind = iota + 1
	// KindTransport means no HTTP response was obtained (refused, DNS, reset, cancelled).
	KindTransport
	// KindHTTPStatus is any non-2xx response other than 422.
	KindHTTPStatus
	// KindValidation is a 422 response carrying field-level errors.
	KindValidation
	// KindApplication covers client-side faults: encoding, decoding, recovered panics.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindValidation:
		return "validation"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for candidate := KindTimeout; candidate <= KindApplication; candidate++ {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", text)
}

// FieldError is one entry of a 422 validation body.
type FieldError struct {
	Location []string `json:"loc"`
	Message  string   `json:"msg"`
	Type     string   `json:"type"`
}

// Failure is the data half of a failed Envelope.
type Failure struct {
	Kind    Kind         `json:"kind"`
	Status  int          `json:"status,omitempty"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// Offline reports whether the failure means the backend could not be reached at all.
func (f *Failure) Offline() bool {
	return f != nil && (f.Kind == KindTimeout || f.Kind == KindTransport)
}

const (
	msgNotFound    = "Resource not found"
	msgRateLimited = "Too many requests. Please slow down."
	msgServerError = "Server error. Please try again later."
	msgValidation  = "Validation error"
)

type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

type validationItem struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// statusFailure builds the failure for a non-2xx response from its body.
func statusFailure(status int, body []byte) *Failure {
	detail, fields := extractDetail(body)

	if status == http.StatusUnprocessableEntity {
		msg := detail
		if msg == "" && len(fields) > 0 {
			first := fields[0]
			msg = msgValidation + ": " + first.Message
			if loc := strings.Join(first.Location, "."); loc != "" {
				msg = msgValidation + ": " + loc + ": " + first.Message
			}
		}
		if msg == "" {
			msg = msgValidation
		}
		return &Failure{Kind: KindValidation, Status: status, Message: msg, Fields: fields}
	}

	msg := detail
	switch {
	case status == http.StatusNotFound:
		if msg == "" {
			msg = msgNotFound
		}
	case status == http.StatusTooManyRequests:
		if msg == "" {
			msg = msgRateLimited
		}
	case status >= 500:
		if msg == "" {
			msg = msgServerError
		}
	default:
		if msg == "" {
			msg = http.StatusText(status)
			if msg == "" {
				msg = fmt.Sprintf("HTTP %d", status)
			}
		}
		msg = "Error: " + msg
	}
	return &Failure{Kind: KindHTTPStatus, Status: status, Message: msg}
}

// extractDetail pulls a human message out of a `detail` or `message` field.
// A list-valued detail (FastAPI validation shape) is returned as field errors.
func extractDetail(body []byte) (string, []FieldError) {
	if len(body) == 0 {
		return "", nil
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil
	}

	if len(parsed.Detail) > 0 {
		var text string
		if err := json.Unmarshal(parsed.Detail, &text); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		var items []validationItem
		if err := json.Unmarshal(parsed.Detail, &items); err == nil && len(items) > 0 {
			fields := make([]FieldError, 0, len(items))
			for _, item := range items {
				loc := make([]string, 0, len(item.Loc))
				for _, part := range item.Loc {
					loc = append(loc, fmt.Sprint(part))
				}
				fields = append(fields, FieldError{Location: loc, Message: item.Msg, Type: item.Type})
			}
			return "", fields
		}
	}
	return strings.TrimSpace(parsed.Message), nil
}
