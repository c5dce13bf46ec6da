// Package manifest models the Agent Web Interface manifest a service
// publishes about its agent-facing API, and discovers it on a target origin.
package manifest

import (
	encodingjson "encoding/json"
	"net/url"
	"strings"

	json "github.com/json-iterator/go"
)

// DefaultAuthHeader is used when the manifest does not name an auth header.
const DefaultAuthHeader = "X-Agent-API-Key"

// Manifest is a parsed AWI manifest. Raw holds the full document (after
// loopback rewriting) so unknown sections are still available verbatim.
type Manifest struct {
	AWI            Info                                `json:"awi"`
	Name           string                              `json:"name,omitempty"`
	Authentication Authentication                      `json:"authentication"`
	Endpoints      Endpoints                           `json:"endpoints"`
	Operations     map[string]encodingjson.RawMessage  `json:"operations,omitempty"`
	QuickReference *QuickReference                     `json:"llm_quick_reference,omitempty"`
	RateLimit      *RateLimitDecl                      `json:"rateLimit,omitempty"`
	Capabilities   Capabilities                        `json:"capabilities"`
	Features       Features                            `json:"features"`

	// Origin is the scheme://host[:port] the manifest was discovered on.
	Origin string                 `json:"-"`
	Raw    map[string]interface{} `json:"-"`
}

// Info is the awi section.
type Info struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	Specification string `json:"specification,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// Authentication describes how agents register and authenticate.
type Authentication struct {
	Type         string       `json:"type"`
	Scheme       string       `json:"scheme,omitempty"`
	HeaderName   string       `json:"headerName,omitempty"`
	Header       string       `json:"header,omitempty"`
	Registration Registration `json:"registration"`
	Permissions  Permissions  `json:"permissions"`
}

// Registration is the registration descriptor. Manifests publish it either as
// an object with an endpoint or as a bare endpoint string.
type Registration struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method,omitempty"`
}

func (r *Registration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Endpoint = s
		return nil
	}
	type plain Registration
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Registration(p)
	return nil
}

// Permissions lists the permission names a service offers and the ones it
// suggests granting by default. A bare list means available == default.
type Permissions struct {
	Available []string `json:"available"`
	Default   []string `json:"default"`
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		p.Available = list
		p.Default = list
		return nil
	}
	type plain Permissions
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Permissions(v)
	return nil
}

// Endpoints holds the API base URL, named operations and any other named URLs.
type Endpoints struct {
	Base       string                   `json:"base"`
	Operations map[string]OperationSpec `json:"operations,omitempty"`
	Named      map[string]string        `json:"-"`
}

func (e *Endpoints) UnmarshalJSON(data []byte) error {
	var fields map[string]encodingjson.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = Endpoints{}
	for k, raw := range fields {
		switch k {
		case "base":
			_ = json.Unmarshal(raw, &e.Base)
		case "operations":
			if err := json.Unmarshal(raw, &e.Operations); err != nil {
				return err
			}
		default:
			var s string
			if json.Unmarshal(raw, &s) == nil {
				if e.Named == nil {
					e.Named = make(map[string]string)
				}
				e.Named[k] = s
			}
		}
	}
	return nil
}

// OperationSpec describes one operation in the full schema.
type OperationSpec struct {
	Endpoint       string                 `json:"endpoint"`
	Method         string                 `json:"method"`
	Description    string                 `json:"description,omitempty"`
	RequiredFields []string               `json:"required_fields,omitempty"`
	OptionalFields []string               `json:"optional_fields,omitempty"`
	Validation     map[string]interface{} `json:"validation,omitempty"`
}

// QuickReference is the flattened summary offered to less capable models.
type QuickReference struct {
	CommonOperations         []interface{}                `json:"common_operations,omitempty"`
	FieldRequirementsSummary map[string]FieldRequirements `json:"field_requirements_summary,omitempty"`
}

// FieldRequirements lists required and optional body fields for an operation.
type FieldRequirements struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// RateLimitDecl is a service's self-declared rate limit. Only the numeric
// ceilings are interpreted; the rest is informational.
type RateLimitDecl struct {
	PerMinute     float64           `json:"-"`
	PerHour       float64           `json:"-"`
	Burst         int               `json:"-"`
	Status        string            `json:"status,omitempty"`
	PlannedLimits map[string]string `json:"planned_limits,omitempty"`
}

var (
	perMinuteKeys = []string{"perMinute", "per_minute", "requestsPerMinute", "requests_per_minute", "minute"}
	perHourKeys   = []string{"perHour", "per_hour", "requestsPerHour", "requests_per_hour", "hourly", "hour"}
	burstKeys     = []string{"burst", "burstLimit", "burst_limit"}
)

func (r *RateLimitDecl) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = RateLimitDecl{
		PerMinute: firstNumber(m, perMinuteKeys),
		PerHour:   firstNumber(m, perHourKeys),
		Burst:     int(firstNumber(m, burstKeys)),
	}
	if s, ok := m["status"].(string); ok {
		r.Status = s
	}
	if planned, ok := m["planned_limits"].(map[string]interface{}); ok {
		r.PlannedLimits = make(map[string]string, len(planned))
		for k, v := range planned {
			if s, ok := v.(string); ok {
				r.PlannedLimits[k] = s
			}
		}
	}
	return nil
}

// Enforced reports whether the declaration carries any numeric ceiling.
func (r *RateLimitDecl) Enforced() bool {
	return r != nil && r.Status != "not_implemented" && (r.PerMinute > 0 || r.PerHour > 0)
}

func firstNumber(m map[string]interface{}, keys []string) float64 {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok && v > 0 {
			return v
		}
	}
	return 0
}

// Capabilities is the capability directive section.
type Capabilities struct {
	Name                 string         `json:"name,omitempty"`
	AllowedOperations    []string       `json:"allowed_operations,omitempty"`
	DisallowedOperations []string       `json:"disallowed_operations,omitempty"`
	SecurityFeatures     []string       `json:"security_features,omitempty"`
	ConfirmationRequired []string       `json:"confirmation_required,omitempty"`
	ResponseFeatures     []string       `json:"response_features,omitempty"`
	SessionManagement    []string       `json:"session_management,omitempty"`
	RateLimits           *RateLimitDecl `json:"rate_limits,omitempty"`
	Discovery            struct {
		WellKnownURI string `json:"wellKnownUri,omitempty"`
	} `json:"discovery"`
}

// Features holds optional service features.
type Features struct {
	SessionState struct {
		Enabled   bool              `json:"enabled,omitempty"`
		Endpoints map[string]string `json:"endpoints,omitempty"`
	} `json:"session_state"`
}

// DisplayName returns the service name from whichever section declares it.
func (m *Manifest) DisplayName() string {
	switch {
	case m.AWI.Name != "":
		return m.AWI.Name
	case m.Name != "":
		return m.Name
	default:
		return m.Capabilities.Name
	}
}

// AuthHeader is the header the API key travels in.
func (m *Manifest) AuthHeader() string {
	switch {
	case m.Authentication.HeaderName != "":
		return m.Authentication.HeaderName
	case m.Authentication.Header != "":
		return m.Authentication.Header
	default:
		return DefaultAuthHeader
	}
}

// AuthValue formats key for the auth header. Bearer schemes sent in the
// Authorization header get the "Bearer " prefix.
func (m *Manifest) AuthValue(key string) string {
	if strings.EqualFold(m.AuthHeader(), "Authorization") &&
		(strings.EqualFold(m.Authentication.Type, "bearer") || strings.EqualFold(m.Authentication.Scheme, "bearer")) {
		return "Bearer " + key
	}
	return key
}

// BaseURL is the absolute API base: endpoints.base resolved against Origin.
func (m *Manifest) BaseURL() string {
	if m.Endpoints.Base == "" {
		return m.Origin
	}
	return m.Resolve(m.Endpoints.Base)
}

// RegistrationURL is the absolute registration endpoint, or "" when none is declared.
func (m *Manifest) RegistrationURL() string {
	if m.Authentication.Registration.Endpoint == "" {
		return ""
	}
	return m.Resolve(m.Authentication.Registration.Endpoint)
}

// Resolve makes ref absolute against Origin. Absolute refs are returned unchanged.
func (m *Manifest) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() || m.Origin == "" {
		return ref
	}
	base, err := url.Parse(m.Origin + "/")
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// DeclaredRateLimit returns the top-level rateLimit, else capabilities.rate_limits.
func (m *Manifest) DeclaredRateLimit() *RateLimitDecl {
	if m.RateLimit != nil {
		return m.RateLimit
	}
	return m.Capabilities.RateLimits
}

// Version returns awi.version.
func (m *Manifest) Version() string { return m.AWI.Version }
