// Package fallback decides, once per task, whether a target is driven through
// its structured agent API or handed to conventional browser automation.
//
// The decision is a one-way ratchet. Discovery and registration run at most
// once per Controller; after DomFallback nothing re-attempts them.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/executor"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/registration"
)

var (
	// ErrDomFallback is returned once the task has fallen back to DOM automation.
	ErrDomFallback = errors.New("structured api unavailable: falling back to dom automation")
	// ErrNotStarted is returned by Execute before Start.
	ErrNotStarted = errors.New("fallback controller not started")
)

// CredentialStore is the subset of the credential store the controller uses.
type CredentialStore interface {
	registration.CredentialWriter
	executor.Toucher
	Get(domain, agentName string) (*credentials.Credential, error)
	Deactivate(id string) error
}

// Deps wires a Controller.
type Deps struct {
	Client   manifest.Doer
	Store    CredentialStore
	Approver registration.Approver
	Config   *config.Config
	Tier     capability.Tier
	// AgentName restricts credential reuse to one agent identity. Empty reuses any.
	AgentName string
	Logger    *zap.Logger
	// Sleep replaces the rate-limit wait. Tests only.
	Sleep executor.SleepFunc
}

// Controller owns the lifecycle of one task against one target.
type Controller struct {
	deps       Deps
	logger     *zap.Logger
	discoverer *manifest.Discoverer
	registrar  *registration.Registrar

	// run serializes Start, Execute and Session. Operations of one task
	// depend on each other and are never in flight together.
	run sync.Mutex

	mu           sync.RWMutex
	state        State
	history      []Transition
	discovery    manifest.Result
	origin       string
	manifest     *manifest.Manifest
	cred         *credentials.Credential
	exec         *executor.Executor
	retrier      *executor.Retrier
	reregistered bool
}

// New builds a Controller in the Unattempted state.
func New(deps Deps) (*Controller, error) {
	if deps.Client == nil || deps.Store == nil || deps.Approver == nil || deps.Config == nil {
		return nil, errors.New("cannot initialize fallback controller with nil dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tier == "" {
		deps.Tier = capability.TierStandard
	}
	logger := deps.Logger.Named("fallback")
	return &Controller{
		deps:       deps,
		logger:     logger,
		discoverer: manifest.NewDiscoverer(deps.Client, deps.Config.Discovery, deps.Logger),
		registrar:  registration.NewRegistrar(deps.Client, deps.Store, deps.Config.Registration, deps.Logger),
		state:      Unattempted,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// History returns every transition so far, oldest first.
func (c *Controller) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transition(nil), c.history...)
}

// Discovery returns the discovery result, zero when discovery has not run.
func (c *Controller) Discovery() manifest.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discovery
}

// Manifest returns the active manifest, nil before one was found.
func (c *Controller) Manifest() *manifest.Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifest
}

// Credential returns a copy of the credential in use, nil when none.
func (c *Controller) Credential() *credentials.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return nil
	}
	return c.cred.Clone()
}

// Executor returns the operation executor, nil unless a manifest was found.
func (c *Controller) Executor() *executor.Executor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exec
}

// Start discovers the target's manifest and obtains a credential. It runs the
// lifecycle only from Unattempted; later calls return the settled state.
func (c *Controller) Start(ctx context.Context, target string) State {
	c.run.Lock()
	defer c.run.Unlock()

	if st := c.State(); st != Unattempted {
		c.logger.Debug("Lifecycle already settled", zap.String("state", string(st)))
		return st
	}
	c.advance(Discovering, target)

	format := c.deps.Config.Discovery.Format
	if format == "" {
		format = capability.FormatHint(c.deps.Tier)
	}
	res := c.discoverer.Discover(ctx, target, format)

	c.mu.Lock()
	c.discovery = res
	c.mu.Unlock()

	if !res.Found {
		c.advance(NoManifest, fmt.Sprintf("%d channels tried", len(res.Attempts)))
		c.advance(DomFallback, "no manifest")
		return DomFallback
	}
	return c.acquire(ctx, res.Origin, res.Manifest, string(res.Channel))
}

// StartWithManifest runs the lifecycle with a manifest loaded out of band,
// skipping the network probes.
func (c *Controller) StartWithManifest(ctx context.Context, origin string, m *manifest.Manifest) State {
	c.run.Lock()
	defer c.run.Unlock()

	if st := c.State(); st != Unattempted {
		return st
	}
	c.advance(Discovering, origin)
	if m == nil {
		c.advance(NoManifest, "no manifest supplied")
		c.advance(DomFallback, "no manifest")
		return DomFallback
	}
	m, rewrites, err := m.WithOrigin(origin)
	if err != nil {
		c.advance(NoManifest, err.Error())
		c.advance(DomFallback, "unusable manifest")
		return DomFallback
	}
	c.mu.Lock()
	c.discovery = manifest.Result{Found: true, Manifest: m, Origin: origin, Rewrites: rewrites}
	c.mu.Unlock()
	return c.acquire(ctx, origin, m, "local file")
}

// acquire moves from ManifestFound to a terminal state.
func (c *Controller) acquire(ctx context.Context, origin string, m *manifest.Manifest, via string) State {
	c.advance(ManifestFound, via)

	exec := executor.New(c.deps.Client, c.deps.Store, m, c.deps.Config.Executor, c.deps.Tier, c.deps.Logger)
	retrier := executor.NewRetrier(exec, c.deps.Config.Executor, c.deps.Logger)
	if c.deps.Sleep != nil {
		retrier.SetSleep(c.deps.Sleep)
	}
	c.mu.Lock()
	c.origin = origin
	c.manifest = m
	c.exec = exec
	c.retrier = retrier
	c.mu.Unlock()

	if cred, err := c.deps.Store.Get(origin, c.deps.AgentName); err == nil {
		c.setCredential(cred)
		c.advance(CredentialReused, cred.AgentID)
		c.advance(StructuredAPIActive, "")
		return StructuredAPIActive
	} else if !errors.Is(err, credentials.ErrNotFound) {
		c.logger.Warn("Credential lookup failed, registering anew", zap.Error(err))
	}

	if c.register(ctx) {
		return StructuredAPIActive
	}
	return DomFallback
}

// register runs one approval and registration round and settles the state.
func (c *Controller) register(ctx context.Context) bool {
	c.advance(Registering, "")
	c.mu.RLock()
	origin, m := c.origin, c.manifest
	c.mu.RUnlock()

	out := c.registrar.Approve(ctx, origin, m, c.deps.Approver)
	switch out.Kind {
	case registration.Registered:
		c.setCredential(out.Credential)
		c.advance(Registered, out.Credential.AgentID)
		c.advance(StructuredAPIActive, "")
		return true
	case registration.Declined:
		c.advance(Declined, out.Reason)
	default:
		c.advance(RegistrationFailed, out.Reason)
	}
	c.advance(DomFallback, out.Reason)
	return false
}

// Execute sends in through the executor, retrying rate-limited results. A
// rejected credential is deactivated and replaced by exactly one
// re-registration per task; a second rejection, or a failed re-registration,
// falls back. After fallback Execute returns ErrDomFallback without any
// network activity.
func (c *Controller) Execute(ctx context.Context, in executor.Intent) (executor.Result, error) {
	c.run.Lock()
	defer c.run.Unlock()

	switch c.State() {
	case Unattempted:
		return executor.Result{}, ErrNotStarted
	case DomFallback:
		return executor.Result{}, ErrDomFallback
	}

	c.mu.RLock()
	cred, retrier := c.cred, c.retrier
	c.mu.RUnlock()

	res := retrier.Do(ctx, cred, in)
	if res.Kind != executor.AuthError {
		return res, nil
	}

	c.logger.Warn("Credential rejected", zap.String("agent_id", cred.AgentID), zap.Int("status", res.Status))
	c.deactivate(cred)

	c.mu.Lock()
	retried := c.reregistered
	c.reregistered = true
	c.mu.Unlock()
	if retried {
		c.advance(DomFallback, "credential rejected after re-registration")
		return res, ErrDomFallback
	}

	if !c.register(ctx) {
		return res, ErrDomFallback
	}

	c.mu.RLock()
	cred = c.cred
	c.mu.RUnlock()
	res = retrier.Do(ctx, cred, in)
	if res.Kind == executor.AuthError {
		c.deactivate(cred)
		c.advance(DomFallback, "fresh credential rejected")
		return res, ErrDomFallback
	}
	return res, nil
}

// Session calls a session-state endpoint with the active credential.
func (c *Controller) Session(ctx context.Context, kind executor.SessionKind, params map[string]interface{}) (executor.Result, error) {
	c.run.Lock()
	defer c.run.Unlock()

	switch c.State() {
	case Unattempted:
		return executor.Result{}, ErrNotStarted
	case DomFallback:
		return executor.Result{}, ErrDomFallback
	}
	c.mu.RLock()
	exec, cred := c.exec, c.cred
	c.mu.RUnlock()
	return exec.Session(ctx, cred, kind, params)
}

func (c *Controller) deactivate(cred *credentials.Credential) {
	if err := c.deps.Store.Deactivate(cred.ID); err != nil {
		c.logger.Warn("Failed to deactivate rejected credential", zap.String("agent_id", cred.AgentID), zap.Error(err))
	}
}

func (c *Controller) setCredential(cred *credentials.Credential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
}

// advance records a transition. An illegal transition is a programming error.
func (c *Controller) advance(to State, reason string) {
	c.mu.Lock()
	from := c.state
	if !from.CanTransition(to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("fallback: illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.history = append(c.history, Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	c.mu.Unlock()

	c.logger.Info("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}
