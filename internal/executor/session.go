package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
)

// SessionKind names a session-state endpoint.
type SessionKind string

const (
	SessionState   SessionKind = "state"
	SessionHistory SessionKind = "history"
	SessionDiff    SessionKind = "diff"
	SessionEnd     SessionKind = "end"
)

// SessionEndpoints returns the session-state endpoints a manifest declares.
func SessionEndpoints(m *manifest.Manifest) map[SessionKind]string {
	out := make(map[SessionKind]string)
	if m == nil {
		return out
	}
	for k, v := range m.Features.SessionState.Endpoints {
		if v != "" {
			out[SessionKind(k)] = v
		}
	}
	return out
}

// SessionKinds lists the declared kinds in a stable order.
func SessionKinds(m *manifest.Manifest) []SessionKind {
	eps := SessionEndpoints(m)
	kinds := make([]SessionKind, 0, len(eps))
	for k := range eps {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Session calls a session-state endpoint. History accepts limit and offset
// params; end is a POST, the rest are GETs.
func (e *Executor) Session(ctx context.Context, cred *credentials.Credential, kind SessionKind, params map[string]interface{}) (Result, error) {
	endpoint, ok := SessionEndpoints(e.manifest)[kind]
	if !ok {
		return Result{}, fmt.Errorf("service declares no %q session endpoint", kind)
	}
	in := Intent{
		Operation: "session." + string(kind),
		Endpoint:  endpoint,
		Method:    "GET",
		Params:    params,
	}
	if kind == SessionEnd {
		in.Method = "POST"
		in.Params = nil
		in.Body = map[string]interface{}{}
		for k, v := range params {
			in.Body[k] = v
		}
		if len(in.Body) == 0 {
			in.Body["reason"] = "task complete"
		}
	}
	return e.Execute(ctx, cred, in), nil
}
