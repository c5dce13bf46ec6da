// Package registration asks a human (or a policy) whether to register an
// agent with an AWI service and performs the registration.
package registration

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/xkilldash9x/awi-cli/internal/manifest"
)

// DefaultAgentName is offered when the approver does not supply a name.
const DefaultAgentName = "AWIAgent"

var (
	fallbackAvailable = []string{"read", "write", "delete"}
	fallbackDefault   = []string{"read"}
)

// Decision is an approver's answer.
type Decision struct {
	Approved    bool
	AgentName   string
	Permissions []string
	// Reason explains a refusal.
	Reason string
}

// Approver decides whether an agent may register with the service described
// by a manifest. Implementations may block on a human.
type Approver interface {
	Approve(ctx context.Context, m *manifest.Manifest) (Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, m *manifest.Manifest) (Decision, error)

func (f ApproverFunc) Approve(ctx context.Context, m *manifest.Manifest) (Decision, error) {
	return f(ctx, m)
}

// FixedApprover approves (or refuses) every service with the same answer.
// An empty permission list means the manifest's defaults.
type FixedApprover struct {
	Approved    bool
	AgentName   string
	Permissions []string
}

func (a FixedApprover) Approve(_ context.Context, m *manifest.Manifest) (Decision, error) {
	if !a.Approved {
		return Decision{Reason: "registration not approved"}, nil
	}
	name := a.AgentName
	if name == "" {
		name = DefaultAgentName
	}
	available, defaults := PermissionSets(m)
	perms := FilterPermissions(a.Permissions, available)
	if len(perms) == 0 {
		perms = defaults
	}
	return Decision{Approved: true, AgentName: name, Permissions: perms}, nil
}

// PermissionSets returns the service's available and default permissions,
// falling back to read/write/delete and read.
func PermissionSets(m *manifest.Manifest) (available, defaults []string) {
	available, defaults = fallbackAvailable, fallbackDefault
	if m == nil {
		return available, defaults
	}
	if p := m.Authentication.Permissions; len(p.Available) > 0 {
		available = p.Available
	}
	if p := m.Authentication.Permissions; len(p.Default) > 0 {
		defaults = FilterPermissions(p.Default, available)
		if len(defaults) == 0 {
			defaults = fallbackDefault
		}
	}
	return append([]string(nil), available...), append([]string(nil), defaults...)
}

// FilterPermissions keeps the requested permissions that are available,
// lowercased, trimmed and without duplicates, in request order.
func FilterPermissions(requested, available []string) []string {
	allowed := make(map[string]bool, len(available))
	for _, p := range available {
		allowed[strings.ToLower(strings.TrimSpace(p))] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range requested {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] || !allowed[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// TerminalApprover prompts on a terminal-like pair of streams. Prompts from
// concurrent callers are serialized.
type TerminalApprover struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	defaultName string
}

// NewTerminalApprover builds a TerminalApprover. defaultName may be empty.
func NewTerminalApprover(in io.Reader, out io.Writer, defaultName string) *TerminalApprover {
	if defaultName == "" {
		defaultName = DefaultAgentName
	}
	return &TerminalApprover{in: bufio.NewReader(in), out: out, defaultName: defaultName}
}

func (a *TerminalApprover) Approve(ctx context.Context, m *manifest.Manifest) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, "== AWI agent registration required ==")
	fmt.Fprint(a.out, manifest.Summary(m))
	fmt.Fprintln(a.out)

	ok, err := a.confirm("Register an agent with this service?", false)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		fmt.Fprintln(a.out, "Registration declined.")
		return Decision{Reason: "user declined registration"}, nil
	}

	name, err := a.ask("Agent name", a.defaultName)
	if err != nil {
		return Decision{}, err
	}

	available, defaults := PermissionSets(m)
	fmt.Fprintf(a.out, "Available permissions: %s\n", strings.Join(available, ", "))
	answer, err := a.ask("Permissions (comma-separated)", strings.Join(defaults, ","))
	if err != nil {
		return Decision{}, err
	}
	perms := FilterPermissions(strings.Split(answer, ","), available)
	if len(perms) == 0 {
		fmt.Fprintf(a.out, "No valid permissions given, using default: %s\n", strings.Join(defaults, ", "))
		perms = defaults
	}
	for _, p := range []string{"write", "delete"} {
		if !slices.Contains(perms, p) && slices.Contains(available, p) {
			fmt.Fprintf(a.out, "Note: %s operations will be disabled\n", p)
		}
	}

	fmt.Fprintf(a.out, "\nAgent name:  %s\nPermissions: %s\n", name, strings.Join(perms, ", "))
	ok, err = a.confirm("Proceed with registration?", true)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		fmt.Fprintln(a.out, "Registration cancelled.")
		return Decision{Reason: "user cancelled registration"}, nil
	}
	return Decision{Approved: true, AgentName: name, Permissions: perms}, nil
}

func (a *TerminalApprover) confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(a.out, "%s [%s]: ", question, hint)
		line, err := a.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(a.out, "Please answer yes or no.")
	}
}

func (a *TerminalApprover) ask(question, def string) (string, error) {
	fmt.Fprintf(a.out, "%s [%s]: ", question, def)
	line, err := a.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

// readLine returns the next trimmed line. A final line without a newline is
// accepted; EOF with nothing read is an error.
func (a *TerminalApprover) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
