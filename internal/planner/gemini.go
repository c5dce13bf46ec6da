package planner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/awi-cli/internal/config"
)

const defaultGeminiTimeout = 60 * time.Second

const systemPrompt = `You are a web agent completing a task on one website.

Reply with exactly one JSON object describing your next action:
  {"kind": "call", "intent": {"operation": "...", "endpoint": "/path", "method": "GET|POST|PUT|PATCH|DELETE",
                              "params": {...}, "body": {...}, "field_values": [{"field_name": "...", "value": "..."}]},
   "reasoning": "..."}
  {"kind": "session", "session": "state|history|diff|end", "params": {...}}
  {"kind": "dom", "dom": {"kind": "navigate|click|type|submit|read", "url": "...", "selector": "css", "text": "..."}}
  {"kind": "done", "summary": "what was accomplished"}

In structured mode use call and session actions only. Endpoints are relative to the
service base URL listed in the manifest. For write operations you may send either a
full body or field_values; if a call fails with a validation error, read the
details and fix hint and try again with corrected fields.
In dom mode use dom actions only.
Reply "done" as soon as the task is complete.`

// Generator is the part of the genai client the planner uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for the next action.
type Gemini struct {
	models  Generator
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGemini connects to the Gemini API with the agent configuration.
func NewGemini(ctx context.Context, cfg config.AgentConfig, httpClient *http.Client, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return NewGeminiWith(client.Models, cfg, logger), nil
}

// NewGeminiWith builds a planner around an existing generator.
func NewGeminiWith(models Generator, cfg config.AgentConfig, logger *zap.Logger) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultGeminiTimeout
	}
	return &Gemini{
		models:  models,
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger.Named("planner.gemini"),
	}
}

func (g *Gemini) Next(ctx context.Context, obs Observation) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(Prompt(obs)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		return Action{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	reply := resp.Text()
	if reply == "" {
		return Action{}, errors.New("gemini returned an empty reply")
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields, zap.Int32("prompt_tokens", u.PromptTokenCount), zap.Int32("total_tokens", u.TotalTokenCount))
	}
	g.logger.Debug("Planner reply received", fields...)

	action, err := ParseJSON[Action](reply)
	if err != nil {
		return Action{}, err
	}
	if err := action.Validate(); err != nil {
		return Action{}, fmt.Errorf("model proposed an invalid action: %w", err)
	}
	return *action, nil
}

// Prompt renders an observation as the user turn.
func Prompt(obs Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nTarget: %s\nMode: %s\nSteps left: %d\n", obs.Task, obs.Target, obs.Mode, obs.StepsLeft)
	if obs.Verbosity != "" {
		fmt.Fprintf(&b, "Detail level: %s\n", obs.Verbosity)
	}
	if obs.Manifest != "" {
		b.WriteString("\nService manifest:\n")
		b.WriteString(obs.Manifest)
		b.WriteString("\n")
	}
	if len(obs.Sessions) > 0 {
		kinds := make([]string, len(obs.Sessions))
		for i, k := range obs.Sessions {
			kinds[i] = string(k)
		}
		fmt.Fprintf(&b, "Session endpoints: %s\n", strings.Join(kinds, ", "))
	}
	if len(obs.History) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, s := range obs.History {
			action, _ := json.MarshalToString(s.Action)
			fmt.Fprintf(&b, "%d. %s\n   -> %s\n", s.Number, action, s.Outcome)
		}
	}
	return b.String()
}
