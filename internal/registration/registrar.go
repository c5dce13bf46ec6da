package registration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/network"
	"github.com/xkilldash9x/awi-cli/internal/observability"
)

// DefaultTimeout bounds the registration call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// OutcomeKind classifies a registration attempt.
type OutcomeKind string

const (
	Registered OutcomeKind = "registered"
	Declined   OutcomeKind = "declined"
	Failed     OutcomeKind = "failed"
)

// Outcome is the result of Register. Expected failures are reported here
// rather than as errors.
type Outcome struct {
	Kind       OutcomeKind
	Credential *credentials.Credential
	Reason     string
}

// CredentialWriter persists a freshly registered credential.
type CredentialWriter interface {
	Store(p credentials.StoreParams) (*credentials.Credential, error)
}

// Registrar performs agent registration against an AWI service.
type Registrar struct {
	client manifest.Doer
	store  CredentialWriter
	cfg    config.RegistrationConfig
	logger *zap.Logger
}

// NewRegistrar builds a Registrar.
func NewRegistrar(client manifest.Doer, store CredentialWriter, cfg config.RegistrationConfig, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AgentType == "" {
		cfg.AgentType = "awi-cli"
	}
	if cfg.Framework == "" {
		cfg.Framework = "go"
	}
	return &Registrar{client: client, store: store, cfg: cfg, logger: logger.Named("registration")}
}

type registerRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	AgentType   string   `json:"agentType"`
	Framework   string   `json:"framework"`
	Description string   `json:"description,omitempty"`
}

type registerResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Agent   struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		APIKey      string   `json:"apiKey"`
		Permissions []string `json:"permissions"`
		ExpiresAt   string   `json:"expiresAt"`
	} `json:"agent"`
}

// Approve asks approver and, when approved, registers. Approver errors are
// reported as Failed.
func (r *Registrar) Approve(ctx context.Context, origin string, m *manifest.Manifest, approver Approver) Outcome {
	decision, err := approver.Approve(ctx, m)
	if err != nil {
		r.logger.Warn("Approval prompt failed", zap.String("origin", origin), zap.Error(err))
		return Outcome{Kind: Failed, Reason: fmt.Sprintf("approval failed: %v", err)}
	}
	return r.Register(ctx, origin, m, decision)
}

// Register registers an agent as described by decision. A refused decision
// yields Declined without contacting the service.
func (r *Registrar) Register(ctx context.Context, origin string, m *manifest.Manifest, decision Decision) Outcome {
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "registration not approved"
		}
		r.logger.Info("Registration declined", zap.String("origin", origin), zap.String("reason", reason))
		return Outcome{Kind: Declined, Reason: reason}
	}
	if m == nil {
		return r.fail(origin, "no manifest")
	}

	endpoint := m.RegistrationURL()
	if endpoint == "" {
		return r.fail(origin, "manifest declares no registration endpoint")
	}
	if m.Origin == "" && origin != "" {
		endpoint = resolve(origin, m.Authentication.Registration.Endpoint)
	}

	name := decision.AgentName
	if name == "" {
		name = r.cfg.DefaultName
	}
	if name == "" {
		name = DefaultAgentName
	}
	perms := decision.Permissions
	if len(perms) == 0 {
		_, perms = PermissionSets(m)
	}

	payload, err := json.Marshal(registerRequest{
		Name:        name,
		Permissions: perms,
		AgentType:   r.cfg.AgentType,
		Framework:   r.cfg.Framework,
		Description: r.cfg.Description,
	})
	if err != nil {
		return r.fail(origin, fmt.Sprintf("failed to encode request: %v", err))
	}

	r.logger.Info("Registering agent",
		zap.String("origin", origin),
		zap.String("endpoint", endpoint),
		zap.String("name", name),
		zap.Strings("permissions", perms))

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return r.fail(origin, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fail(origin, fmt.Sprintf("registration request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := network.ReadLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return r.fail(origin, fmt.Sprintf("failed to read registration response: %v", err))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return r.fail(origin, fmt.Sprintf("registration failed (%d): %s", resp.StatusCode, snippet(body)))
	}

	var parsed registerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return r.fail(origin, fmt.Sprintf("malformed registration response: %v", err))
	}
	if parsed.Success != nil && !*parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		return r.fail(origin, "registration failed: "+msg)
	}
	if parsed.Agent.ID == "" || parsed.Agent.APIKey == "" {
		return r.fail(origin, "registration response lacks agent id or api key")
	}

	granted := parsed.Agent.Permissions
	if len(granted) == 0 {
		granted = perms
	}
	if parsed.Agent.Name != "" {
		name = parsed.Agent.Name
	}

	// The API key is written to the credential file in plain text.
	cred, err := r.store.Store(credentials.StoreParams{
		AgentID:         parsed.Agent.ID,
		AgentName:       name,
		Domain:          originOrManifest(origin, m),
		AWIName:         m.DisplayName(),
		APIKey:          parsed.Agent.APIKey,
		Permissions:     granted,
		Description:     r.cfg.Description,
		AgentType:       r.cfg.AgentType,
		Framework:       r.cfg.Framework,
		ExpiresAt:       parseExpiry(parsed.Agent.ExpiresAt),
		ManifestVersion: m.Version(),
	})
	if err != nil {
		return r.fail(origin, fmt.Sprintf("failed to persist credential: %v", err))
	}

	r.logger.Info("Agent registered",
		zap.String("origin", origin),
		zap.String("agent_id", cred.AgentID),
		observability.SecretField("api_key", cred.APIKey))
	return Outcome{Kind: Registered, Credential: cred}
}

func (r *Registrar) fail(origin, reason string) Outcome {
	r.logger.Warn("Registration failed", zap.String("origin", origin), zap.String("reason", reason))
	return Outcome{Kind: Failed, Reason: reason}
}

func originOrManifest(origin string, m *manifest.Manifest) string {
	if origin != "" {
		return origin
	}
	return m.Origin
}

func resolve(origin, ref string) string {
	m := manifest.Manifest{Origin: origin}
	return m.Resolve(ref)
}

// parseExpiry accepts RFC 3339 timestamps and ignores anything else.
func parseExpiry(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func snippet(body []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
