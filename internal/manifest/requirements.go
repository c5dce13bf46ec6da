package manifest

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// RequirementSource says where a Requirements value came from.
type RequirementSource string

const (
	SourceQuickReference RequirementSource = "quick_reference"
	SourceSchema         RequirementSource = "schema"
	SourceNone           RequirementSource = "none"
)

// Requirements are the body fields an operation expects.
type Requirements struct {
	Required   []string
	Optional   []string
	Validation map[string]interface{}
	Source     RequirementSource
	// Key is the "resource.action" key used for the lookup.
	Key string
}

// Found reports whether any source described the operation.
func (r Requirements) Found() bool { return r.Source != SourceNone }

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment  = regexp.MustCompile(`^[0-9a-fA-F]{12,}$`)
	digits      = regexp.MustCompile(`^[0-9]+$`)
)

// FieldRequirements resolves required and optional fields for an operation.
// When preferQuick is set the quick reference wins over the full schema;
// otherwise the schema wins and the quick reference is the fallback.
func (m *Manifest) FieldRequirements(operation, method, endpoint string, preferQuick bool) Requirements {
	key := requirementKey(operation, endpoint)

	lookups := []func() (Requirements, bool){
		func() (Requirements, bool) { return m.quickReference(key) },
		func() (Requirements, bool) { return m.schema(operation, method, endpoint, key) },
	}
	if !preferQuick {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		if r, ok := lookup(); ok {
			r.Key = key
			if r.Validation == nil && r.Source == SourceQuickReference {
				if s, ok := m.schema(operation, method, endpoint, key); ok {
					r.Validation = s.Validation
				}
			}
			return r
		}
	}
	return Requirements{Source: SourceNone, Key: key}
}

func (m *Manifest) quickReference(key string) (Requirements, bool) {
	if m.QuickReference == nil || key == "" {
		return Requirements{}, false
	}
	fr, ok := m.QuickReference.FieldRequirementsSummary[key]
	if !ok {
		return Requirements{}, false
	}
	return Requirements{Required: fr.Required, Optional: fr.Optional, Source: SourceQuickReference}, true
}

func (m *Manifest) schema(operation, method, endpoint, key string) (Requirements, bool) {
	if spec, ok := m.Endpoints.Operations[operation]; ok {
		return fromSpec(spec), true
	}
	if endpoint != "" {
		for _, spec := range m.Endpoints.Operations {
			if spec.Endpoint != "" && strings.EqualFold(spec.Method, method) && templateMatches(spec.Endpoint, endpoint) {
				return fromSpec(spec), true
			}
		}
	}

	resource, action, ok := strings.Cut(key, ".")
	if !ok || len(m.Operations) == 0 {
		return Requirements{}, false
	}
	raw, ok := m.Operations[resource]
	if !ok {
		return Requirements{}, false
	}
	// A resource entry is either a map of actions or, for single-action
	// resources such as search, the operation spec itself.
	var direct OperationSpec
	if err := json.Unmarshal(raw, &direct); err == nil && (len(direct.RequiredFields) > 0 || len(direct.OptionalFields) > 0) {
		return fromSpec(direct), true
	}
	var actions map[string]json.RawMessage
	if err := json.Unmarshal(raw, &actions); err != nil {
		return Requirements{}, false
	}
	entry, ok := actions[action]
	if !ok {
		return Requirements{}, false
	}
	var spec OperationSpec
	if err := json.Unmarshal(entry, &spec); err != nil {
		return Requirements{}, false
	}
	return fromSpec(spec), true
}

// Guidance renders the requirements as a short prompt fragment that asks a
// planner for field values instead of a full body.
func (r Requirements) Guidance(operation string) string {
	if len(r.Required) == 0 && len(r.Optional) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Provide field values for the %s operation.\n", operation)
	writeFields := func(label string, fields []string) {
		if len(fields) == 0 {
			return
		}
		b.WriteString(label + ":\n")
		for _, f := range fields {
			rule := "no specific validation"
			if v, ok := r.Validation[f]; ok {
				rule = fmt.Sprint(v)
			}
			fmt.Fprintf(&b, "  - %s: %s\n", f, rule)
		}
	}
	writeFields("Required", r.Required)
	writeFields("Optional", r.Optional)
	b.WriteString(`Answer with field_values, e.g. [{"field_name": "content", "value": "..."}].` + "\n")
	return b.String()
}

func fromSpec(spec OperationSpec) Requirements {
	return Requirements{
		Required:   spec.RequiredFields,
		Optional:   spec.OptionalFields,
		Validation: spec.Validation,
		Source:     SourceSchema,
	}
}

// requirementKey builds "resource.action". An operation that already
// contains a dot is used as-is.
func requirementKey(operation, endpoint string) string {
	if strings.Contains(operation, ".") {
		return operation
	}
	resource := ResourceFromEndpoint(endpoint)
	if resource == "" || operation == "" {
		return operation
	}
	return resource + "." + operation
}

// ResourceFromEndpoint returns the last path segment that is neither a
// placeholder nor an identifier: "/api/posts/{id}/comments" gives "comments",
// "/api/posts/42" gives "posts".
func ResourceFromEndpoint(endpoint string) string {
	p := endpoint
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		if j := strings.Index(p, "/"); j >= 0 {
			p = p[j:]
		} else {
			p = ""
		}
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if s == "" || isPlaceholder(s) || isIdentifier(s) {
			continue
		}
		return strings.ToLower(s)
	}
	return ""
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, ":") || (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"))
}

func isIdentifier(s string) bool {
	return digits.MatchString(s) || uuidSegment.MatchString(s) || hexSegment.MatchString(s)
}

// templateMatches compares a declared path template such as
// "/api/posts/{id}" against a concrete path segment by segment.
func templateMatches(template, path string) bool {
	t := pathSegments(template)
	p := pathSegments(path)
	if len(t) != len(p) {
		return false
	}
	for i := range t {
		if isPlaceholder(t[i]) {
			continue
		}
		if !strings.EqualFold(t[i], p[i]) {
			return false
		}
	}
	return true
}

func pathSegments(s string) []string {
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j:]
		} else {
			s = ""
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}
