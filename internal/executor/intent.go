// Package executor sends authenticated operation calls to an AWI service and
// classifies the responses.
package executor

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
)

// Intent is one operation call as planned by the caller. Operation names are
// opaque and forwarded as-is; Endpoint is relative to the manifest's base URL.
// An absolute Endpoint must share the base URL's origin.
type Intent struct {
	Operation   string                 `json:"operation"`
	Endpoint    string                 `json:"endpoint"`
	Method      string                 `json:"method"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Body        map[string]interface{} `json:"body,omitempty"`
	FieldValues []FieldValue           `json:"field_values,omitempty"`
}

// FieldValue is one field of a body assembled from name/value pairs.
type FieldValue struct {
	Name  string      `json:"field_name"`
	Value interface{} `json:"value"`
}

// MethodOrDefault returns the upper-cased method, GET when empty.
func (in Intent) MethodOrDefault() string {
	m := strings.ToUpper(strings.TrimSpace(in.Method))
	if m == "" {
		return "GET"
	}
	return m
}

// HasBody reports whether the method carries a request body.
func HasBody(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// BuildBody assembles a body from field values. String values that hold a
// JSON object or array are decoded so nested structures survive.
func BuildBody(values []FieldValue) map[string]interface{} {
	body := make(map[string]interface{}, len(values))
	for _, fv := range values {
		name := strings.TrimSpace(fv.Name)
		if name == "" {
			continue
		}
		body[name] = decodeValue(fv.Value)
	}
	return body
}

func decodeValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t := strings.TrimSpace(s)
	if (strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")) || (strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")) {
		var decoded interface{}
		if err := json.Unmarshal([]byte(t), &decoded); err == nil {
			return decoded
		}
	}
	return s
}

// MissingFields returns the required fields absent from body, in order.
func MissingFields(body map[string]interface{}, required []string) []string {
	var missing []string
	for _, f := range required {
		if _, ok := body[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// ErrForeignOrigin is returned for absolute endpoints outside the service's
// origin. The credential is never sent to them.
var ErrForeignOrigin = errors.New("endpoint is outside the service origin")

// JoinURL appends endpoint to base with exactly one slash between them.
// Absolute http(s) endpoints are accepted only when their scheme and host
// match base.
func JoinURL(base, endpoint string) (string, error) {
	lower := strings.ToLower(endpoint)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(endpoint, "//") {
		if !sameOrigin(base, endpoint) {
			return "", fmt.Errorf("%w: %s", ErrForeignOrigin, endpoint)
		}
		return endpoint, nil
	}
	switch {
	case endpoint == "":
		return base, nil
	case strings.HasSuffix(base, "/") && strings.HasPrefix(endpoint, "/"):
		return base + endpoint[1:], nil
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(endpoint, "/"):
		return base + "/" + endpoint, nil
	default:
		return base + endpoint, nil
	}
}

func sameOrigin(base, endpoint string) bool {
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.User != nil {
		return false
	}
	return strings.EqualFold(b.Scheme, u.Scheme) && strings.EqualFold(b.Host, u.Host)
}

// withParams encodes params into rawURL's query. Slices become repeated keys.
func withParams(rawURL string, params map[string]interface{}) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid operation url %q: %w", rawURL, err)
	}
	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []interface{}:
			for _, item := range v {
				q.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				q.Add(k, item)
			}
		default:
			q.Set(k, fmt.Sprint(v))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
