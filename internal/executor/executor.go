package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/network"
)

// Quick-reference precedence modes.
const (
	QuickReferenceAuto   = "auto"
	QuickReferenceAlways = "always"
	QuickReferenceNever  = "never"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Toucher records a credential use.
type Toucher interface {
	Touch(id string) error
}

// Executor issues operation calls for one discovered service.
type Executor struct {
	client   manifest.Doer
	store    Toucher
	manifest *manifest.Manifest
	cfg      config.ExecutorConfig
	tier     capability.Tier
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an Executor for m. tier steers the quick-reference precedence
// in auto mode.
func New(client manifest.Doer, store Toucher, m *manifest.Manifest, cfg config.ExecutorConfig, tier capability.Tier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	e := &Executor{
		client:   client,
		store:    store,
		manifest: m,
		cfg:      cfg,
		tier:     tier,
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
	if cfg.Pacing {
		e.limiter = PacingLimiter(m.DeclaredRateLimit())
	}
	return e
}

// PacingLimiter derives a client-side limiter from a declared limit. It
// returns nil when the service declares no enforced ceiling.
func PacingLimiter(decl *manifest.RateLimitDecl) *rate.Limiter {
	if !decl.Enforced() {
		return nil
	}
	perSecond := decl.PerMinute / 60
	if perSecond <= 0 {
		perSecond = decl.PerHour / 3600
	}
	if perSecond <= 0 {
		return nil
	}
	burst := decl.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Manifest returns the manifest the executor was built for.
func (e *Executor) Manifest() *manifest.Manifest { return e.manifest }

// PreferQuickReference resolves the configured precedence mode.
func (e *Executor) PreferQuickReference() bool {
	switch e.cfg.QuickReference {
	case QuickReferenceAlways:
		return true
	case QuickReferenceNever:
		return false
	default:
		return capability.PreferQuickReference(e.tier)
	}
}

// Requirements resolves the field requirements for an intent.
func (e *Executor) Requirements(in Intent) manifest.Requirements {
	return e.manifest.FieldRequirements(in.Operation, in.MethodOrDefault(), in.Endpoint, e.PreferQuickReference())
}

// Execute sends the intent with cred and classifies the response. The
// credential is touched exactly once for every call that reaches the send
// stage, whatever the outcome.
func (e *Executor) Execute(ctx context.Context, cred *credentials.Credential, in Intent) Result {
	method := in.MethodOrDefault()
	res := Result{Intent: in, Method: method}
	res.Requirements = e.Requirements(in)
	log := e.logger.With(
		zap.String("operation", in.Operation),
		zap.String("method", method),
		zap.String("endpoint", in.Endpoint))

	if cred == nil {
		res.Kind = AuthError
		res.Message = "no credential"
		return res
	}

	body := in.Body
	if HasBody(method) {
		switch {
		case len(body) == 0 && len(in.FieldValues) == 0:
			res.Kind = ValidationError
			res.Message = emptyBodyMessage(method, in.Endpoint, res.Requirements)
			log.Warn("Rejected write without body or field values")
			return res
		case len(body) == 0:
			body = BuildBody(in.FieldValues)
			if missing := MissingFields(body, res.Requirements.Required); len(missing) > 0 {
				res.Kind = ValidationError
				res.Message = fmt.Sprintf("Missing required fields: %s. Required: %s. Optional: %s",
					strings.Join(missing, ", "), strings.Join(res.Requirements.Required, ", "), strings.Join(res.Requirements.Optional, ", "))
				for _, f := range missing {
					res.FieldErrors = append(res.FieldErrors, FieldError{Field: f, Message: f + " is required"})
				}
				res.FixHint = FixHint(missing)
				log.Warn("Rejected body built from field values", zap.Strings("missing", missing))
				return res
			}
			log.Debug("Built body from field values", zap.Int("fields", len(body)))
		}
		if missing := MissingFields(body, res.Requirements.Required); len(missing) > 0 {
			log.Info("Body lacks documented required fields, sending anyway",
				zap.Strings("missing", missing), zap.String("source", string(res.Requirements.Source)))
		}
	}
	if res.Requirements.Found() {
		log.Debug("Resolved field requirements",
			zap.String("key", res.Requirements.Key),
			zap.String("source", string(res.Requirements.Source)),
			zap.Strings("required", res.Requirements.Required))
	}

	joined, err := JoinURL(e.manifest.BaseURL(), in.Endpoint)
	if err != nil {
		res.Kind = ValidationError
		res.Err = err
		res.Message = fmt.Sprintf("%v; use a path relative to %s", err, e.manifest.BaseURL())
		log.Warn("Refused endpoint outside the service origin")
		return res
	}
	target, err := withParams(joined, in.Params)
	if err != nil {
		res.Kind = TransportError
		res.Err = err
		res.Message = err.Error()
		return res
	}
	res.URL = target

	var payload io.Reader
	if len(body) > 0 {
		encoded, err := json.Marshal(body)
		if err != nil {
			res.Kind = ValidationError
			res.Err = err
			res.Message = fmt.Sprintf("body is not JSON-encodable: %v", err)
			return res
		}
		payload = bytes.NewReader(encoded)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Kind = TransportError
			res.Err = err
			res.Message = fmt.Sprintf("pacing wait aborted: %v", err)
			return res
		}
	}

	res.Sent = true
	defer e.touch(cred, log)

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, payload)
	if err != nil {
		res.Kind = TransportError
		res.Err = err
		res.Message = err.Error()
		return res
	}
	req.Header.Set(e.manifest.AuthHeader(), e.manifest.AuthValue(cred.APIKey))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := e.now()
	resp, err := e.client.Do(req)
	res.Duration = e.now().Sub(start)
	if err != nil {
		res.Kind = TransportError
		res.Err = err
		res.Message = transportMessage(err)
		log.Warn("Operation call failed", zap.Error(err))
		return res
	}
	defer resp.Body.Close()

	raw, err := network.ReadLimited(resp.Body, maxResponseBytes)
	res.Status = resp.StatusCode
	if err != nil {
		res.Kind = TransportError
		res.Err = err
		res.Message = fmt.Sprintf("failed to read response: %v", err)
		return res
	}
	res.Data = decodeBody(raw, resp.StatusCode)
	classify(&res, resp.Header, e.now())

	fields := []zap.Field{zap.Int("status", res.Status), zap.String("kind", string(res.Kind)), zap.Duration("duration", res.Duration)}
	if res.Kind == Success {
		log.Info("Operation succeeded", fields...)
	} else {
		log.Warn("Operation failed", append(fields, zap.String("detail", res.Detail()))...)
	}
	return res
}

func (e *Executor) touch(cred *credentials.Credential, log *zap.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.Touch(cred.ID); err != nil {
		log.Warn("Failed to record credential use", zap.String("agent_id", cred.AgentID), zap.Error(err))
	}
}

func decodeBody(raw []byte, status int) interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]interface{}{}
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return map[string]interface{}{"text": string(raw), "status": status}
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}

func emptyBodyMessage(method, endpoint string, req manifest.Requirements) string {
	msg := fmt.Sprintf("Empty body for %s %s. Provide either a full body, e.g. body={\"content\": \"...\"}, "+
		"or field values, e.g. field_values=[{\"field_name\": \"content\", \"value\": \"...\"}].", method, endpoint)
	if len(req.Required) > 0 {
		msg += " Required fields: " + strings.Join(req.Required, ", ") + "."
	}
	return msg
}
