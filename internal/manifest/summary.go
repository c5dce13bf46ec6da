package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Summary renders a human-readable description of the service for approval
// prompts and the discover command.
func Summary(m *Manifest) string {
	if m == nil {
		return ""
	}
	var b strings.Builder

	name := m.DisplayName()
	if v := m.Version(); v != "" {
		fmt.Fprintf(&b, "Service: %s (v%s)\n", name, v)
	} else {
		fmt.Fprintf(&b, "Service: %s\n", name)
	}
	if m.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\n", m.Origin)
	}
	if m.AWI.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", m.AWI.Description)
	}

	caps := m.Capabilities
	writeList(&b, "Allowed operations", caps.AllowedOperations)
	writeList(&b, "Disallowed operations", caps.DisallowedOperations)
	if len(caps.SecurityFeatures) > 0 {
		b.WriteString("Security features:\n")
		for _, f := range caps.SecurityFeatures {
			b.WriteString("  - " + strings.TrimSpace(f) + "\n")
		}
	}
	writeList(&b, "Confirmation required for", caps.ConfirmationRequired)

	auth := m.Authentication
	if auth.Type != "" {
		fmt.Fprintf(&b, "Authentication: %s via %s header\n", auth.Type, m.AuthHeader())
	} else {
		fmt.Fprintf(&b, "Authentication: %s header\n", m.AuthHeader())
	}
	if reg := m.RegistrationURL(); reg != "" {
		fmt.Fprintf(&b, "Registration: %s\n", reg)
	}
	writeList(&b, "Available permissions", auth.Permissions.Available)
	writeList(&b, "Default permissions", auth.Permissions.Default)

	rl := m.DeclaredRateLimit()
	switch {
	case rl.Enforced():
		parts := []string{}
		if rl.PerMinute > 0 {
			parts = append(parts, fmt.Sprintf("%g/minute", rl.PerMinute))
		}
		if rl.PerHour > 0 {
			parts = append(parts, fmt.Sprintf("%g/hour", rl.PerHour))
		}
		if rl.Burst > 0 {
			parts = append(parts, fmt.Sprintf("burst %d", rl.Burst))
		}
		fmt.Fprintf(&b, "Rate limits: %s\n", strings.Join(parts, ", "))
	case rl != nil:
		b.WriteString("Rate limits: not yet enforced\n")
		keys := make([]string, 0, len(rl.PlannedLimits))
		for k := range rl.PlannedLimits {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  - planned %s: %s\n", k, rl.PlannedLimits[k])
		}
	}

	if eps := m.Features.SessionState.Endpoints; len(eps) > 0 {
		keys := make([]string, 0, len(eps))
		for k := range eps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeList(&b, "Session endpoints", keys)
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, ", "))
}

// OperationGuide lists the callable operations for a planner prompt. With
// preferQuick the quick-reference field summary is shown instead of the
// per-operation field lists. brief drops descriptions.
func OperationGuide(m *Manifest, preferQuick, brief bool) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	if base := m.BaseURL(); base != "" {
		fmt.Fprintf(&b, "Base URL: %s\n", base)
	}

	quick := preferQuick && m.QuickReference != nil && len(m.QuickReference.FieldRequirementsSummary) > 0
	names := make([]string, 0, len(m.Endpoints.Operations))
	for name := range m.Endpoints.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("Operations:\n")
	}
	for _, name := range names {
		op := m.Endpoints.Operations[name]
		method := strings.ToUpper(op.Method)
		if method == "" {
			method = "GET"
		}
		fmt.Fprintf(&b, "  - %s: %s %s", name, method, op.Endpoint)
		if !quick && len(op.RequiredFields) > 0 {
			fmt.Fprintf(&b, " (required: %s", strings.Join(op.RequiredFields, ", "))
			if len(op.OptionalFields) > 0 {
				fmt.Fprintf(&b, "; optional: %s", strings.Join(op.OptionalFields, ", "))
			}
			b.WriteString(")")
		}
		if !brief && op.Description != "" {
			b.WriteString(" - " + op.Description)
		}
		b.WriteString("\n")
	}

	if quick {
		keys := make([]string, 0, len(m.QuickReference.FieldRequirementsSummary))
		for k := range m.QuickReference.FieldRequirementsSummary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Field requirements:\n")
		for _, k := range keys {
			fr := m.QuickReference.FieldRequirementsSummary[k]
			fmt.Fprintf(&b, "  - %s: required [%s]", k, strings.Join(fr.Required, ", "))
			if len(fr.Optional) > 0 {
				fmt.Fprintf(&b, " optional [%s]", strings.Join(fr.Optional, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
