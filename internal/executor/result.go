package executor

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/awi-cli/internal/manifest"
)

// ResultKind classifies an operation response.
type ResultKind string

const (
	Success         ResultKind = "success"
	ValidationError ResultKind = "validation_error"
	AuthError       ResultKind = "auth_error"
	RateLimited     ResultKind = "rate_limited"
	NotFound        ResultKind = "not_found"
	TransportError  ResultKind = "transport_error"
)

// FieldError is one field-level validation complaint from the service.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the classified outcome of one operation call.
type Result struct {
	Kind   ResultKind
	Status int
	Method string
	URL    string
	Intent Intent
	// Data is the decoded response body; non-JSON bodies are wrapped as
	// {"text": ..., "status": ...}.
	Data        interface{}
	Message     string
	FieldErrors []FieldError
	FixHint     string
	RateLimit   *RateLimit
	// CompletionHint is set when a success looks like it finishes a simple task.
	CompletionHint string
	SessionID      string
	Requirements   manifest.Requirements
	// Sent is false when the call was rejected locally before any request.
	Sent     bool
	Err      error
	Duration time.Duration
}

// OK reports a Success result.
func (r Result) OK() bool { return r.Kind == Success }

// Detail is the error text surfaced to the caller: the service message, the
// field details and the fix hint.
func (r Result) Detail() string {
	msg := r.Message
	if len(r.FieldErrors) > 0 {
		parts := make([]string, 0, len(r.FieldErrors))
		for _, fe := range r.FieldErrors {
			parts = append(parts, fe.Field+": "+fe.Message)
		}
		msg = fmt.Sprintf("%s. Details: %s", msg, strings.Join(parts, "; "))
	}
	if r.FixHint != "" {
		msg += " " + r.FixHint
	}
	return msg
}

const maxTextResponse = 1000

// Text renders the result for a planner.
func (r Result) Text() string {
	var b strings.Builder
	if r.Kind != Success {
		if r.Status > 0 {
			fmt.Fprintf(&b, "API call failed (%d, %s): %s", r.Status, r.Kind, r.Detail())
		} else {
			fmt.Fprintf(&b, "API call failed (%s): %s", r.Kind, r.Detail())
		}
		if r.RateLimit != nil && r.RateLimit.RetryAfter > 0 {
			fmt.Fprintf(&b, " Retry after %s.", r.RateLimit.RetryAfter)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "API call succeeded (%d %s %s)\nOperation: %s\n", r.Status, r.Method, r.Intent.Endpoint, r.Intent.Operation)
	if r.CompletionHint != "" {
		fmt.Fprintf(&b, "Completion check: %s. If this completes the task, finish now.\n", r.CompletionHint)
	}
	encoded, err := json.Marshal(r.Data)
	if err == nil {
		s := string(encoded)
		if len(s) > maxTextResponse {
			s = s[:maxTextResponse] + "... (truncated)"
		}
		b.WriteString("Response: " + s)
	}
	return b.String()
}

// classify maps status and decoded body to a result kind and fills the
// message, field errors, fix hint and rate-limit details.
func classify(res *Result, header http.Header, now time.Time) {
	status := res.Status
	data, _ := res.Data.(map[string]interface{})

	switch {
	case status >= 200 && status < 300:
		res.Kind = Success
		res.SessionID = sessionID(data)
		res.CompletionHint = completionHint(res.Intent, status, data)
		return
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		res.Kind = AuthError
	case status == http.StatusNotFound:
		res.Kind = NotFound
	case status == http.StatusTooManyRequests:
		res.Kind = RateLimited
		res.RateLimit = ParseRateLimit(data, header, now)
	}

	res.Message = errorMessage(data, status)
	res.FieldErrors, res.FixHint = fieldErrors(data)

	if res.Kind == "" {
		if status >= 400 && status < 500 && (len(res.FieldErrors) > 0 || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) {
			res.Kind = ValidationError
		} else {
			res.Kind = TransportError
		}
	}
}

func errorMessage(data map[string]interface{}, status int) string {
	for _, k := range []string{"error", "message"} {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// fieldErrors reads errors[] ({field, message}) or details{field: msgs}.
// Fields whose message mentions "required" feed the fix hint.
func fieldErrors(data map[string]interface{}) ([]FieldError, string) {
	var out []FieldError
	var missing []string

	if list, ok := data["errors"].([]interface{}); ok && len(list) > 0 {
		for _, item := range list {
			fe := FieldError{Field: "unknown", Message: "validation failed"}
			switch e := item.(type) {
			case map[string]interface{}:
				if s, ok := e["field"].(string); ok && s != "" {
					fe.Field = s
				} else if s, ok := e["path"].(string); ok && s != "" {
					fe.Field = s
				}
				if s, ok := e["message"].(string); ok && s != "" {
					fe.Message = s
				} else if s, ok := e["msg"].(string); ok && s != "" {
					fe.Message = s
				}
			case string:
				fe.Message = e
			}
			out = append(out, fe)
			if strings.Contains(strings.ToLower(fe.Message), "required") {
				missing = append(missing, fe.Field)
			}
		}
	} else if details, ok := data["details"].(map[string]interface{}); ok && len(details) > 0 {
		fields := make([]string, 0, len(details))
		for f := range details {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			switch msgs := details[f].(type) {
			case []interface{}:
				parts := make([]string, 0, len(msgs))
				for _, m := range msgs {
					parts = append(parts, fmt.Sprint(m))
				}
				out = append(out, FieldError{Field: f, Message: strings.Join(parts, ", ")})
			default:
				out = append(out, FieldError{Field: f, Message: fmt.Sprint(msgs)})
			}
		}
	}

	return out, FixHint(missing)
}

// FixHint suggests a body shape naming the missing required fields.
func FixHint(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	parts := make([]string, 0, len(missing))
	for _, f := range missing {
		parts = append(parts, fmt.Sprintf("%q: \"<%s_value>\"", f, f))
	}
	return "FIX: Include required fields: {" + strings.Join(parts, ", ") + "}"
}

func sessionID(data map[string]interface{}) string {
	state, ok := data["_sessionState"].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := state["sessionId"].(string)
	return s
}

// completionHint recognizes listing, creation and search results.
func completionHint(in Intent, status int, data map[string]interface{}) string {
	op := strings.ToLower(in.Operation)
	switch {
	case strings.Contains(op, "list"):
		for _, k := range []string{"posts", "items", "results", "data"} {
			if list, ok := data[k].([]interface{}); ok && len(list) > 0 {
				return fmt.Sprintf("Successfully listed %d items", len(list))
			}
		}
	case strings.Contains(op, "create") || strings.Contains(op, "comment"):
		if status != http.StatusCreated {
			return ""
		}
		if _, ok := data["comment"]; ok {
			return "Comment successfully created"
		}
		if _, ok := data["post"]; ok {
			return "Post successfully created"
		}
		return "Resource successfully created"
	case strings.Contains(op, "search"):
		if list, ok := data["results"].([]interface{}); ok {
			return fmt.Sprintf("Search completed with %d results", len(list))
		}
	}
	return ""
}
