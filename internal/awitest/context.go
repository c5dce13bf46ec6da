package awitest

import (
	"context"
	"net/http"
	"net/url"
)

func withAgent(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

func agentFrom(ctx context.Context) *Agent {
	a, _ := ctx.Value(agentKey{}).(*Agent)
	if a == nil {
		return &Agent{}
	}
	return a
}

// RoutingDoer sends every request to the fake regardless of the request's
// host, so tests can pose as a public origin such as https://blog.example.com.
type RoutingDoer struct {
	target *url.URL
	client *http.Client
}

// Doer returns a RoutingDoer aimed at s.
func (s *Service) Doer() *RoutingDoer {
	u, _ := url.Parse(s.URL)
	return &RoutingDoer{target: u, client: s.Client()}
}

func (d *RoutingDoer) Do(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = d.target.Scheme
	r.URL.Host = d.target.Host
	r.Host = ""
	return d.client.Do(r)
}
