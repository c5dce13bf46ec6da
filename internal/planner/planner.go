// Package planner decides the next step of a task. The language model behind
// a planner is a black box: it sees an Observation and answers an Action.
package planner

import (
	"context"
	"fmt"
	"os"
	"sync"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/awi-cli/internal/dom"
	"github.com/xkilldash9x/awi-cli/internal/executor"
)

// ActionKind is the closed set of steps the runner understands. Remote
// operation names stay free-form inside Intent.
type ActionKind string

const (
	ActionCall    ActionKind = "call"
	ActionSession ActionKind = "session"
	ActionDom     ActionKind = "dom"
	ActionDone    ActionKind = "done"
)

// Action is a planner decision.
type Action struct {
	Kind    ActionKind             `json:"kind"`
	Intent  executor.Intent        `json:"intent,omitempty"`
	Session executor.SessionKind   `json:"session,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Dom     dom.Action             `json:"dom,omitempty"`
	// Summary is the final answer of a done action.
	Summary   string `json:"summary,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Validate rejects actions the runner cannot carry out.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionCall:
		if a.Intent.Endpoint == "" {
			return fmt.Errorf("call action requires an endpoint")
		}
	case ActionSession:
		if a.Session == "" {
			return fmt.Errorf("session action requires a session kind")
		}
	case ActionDom:
		return a.Dom.Validate()
	case ActionDone:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Step is one executed action and what came back, as text.
type Step struct {
	Number  int    `json:"step"`
	Action  Action `json:"action"`
	Outcome string `json:"outcome"`
}

// Observation is everything a planner is shown before deciding.
type Observation struct {
	Task   string `json:"task"`
	Target string `json:"target"`
	// Mode is "structured" while the agent API is usable and "dom" after fallback.
	Mode string `json:"mode"`
	// Manifest is the human-readable manifest summary, empty in dom mode.
	Manifest string `json:"manifest,omitempty"`

	Verbosity string                 `json:"verbosity,omitempty"`
	Sessions  []executor.SessionKind `json:"sessions,omitempty"`
	History   []Step                 `json:"history,omitempty"`
	StepsLeft int                    `json:"steps_left"`
}

// LastOutcome returns the outcome of the most recent step.
func (o Observation) LastOutcome() string {
	if len(o.History) == 0 {
		return ""
	}
	return o.History[len(o.History)-1].Outcome
}

// Planner chooses the next action.
type Planner interface {
	Next(ctx context.Context, obs Observation) (Action, error)
}

// ScriptStep produces one scripted action from the observation so far.
type ScriptStep func(obs Observation) Action

// Do returns a step that always yields a.
func Do(a Action) ScriptStep {
	return func(Observation) Action { return a }
}

// Scripted replays a fixed list of steps and then reports done.
type Scripted struct {
	mu    sync.Mutex
	steps []ScriptStep
	pos   int
}

// NewScripted builds a Scripted planner.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Next(_ context.Context, obs Observation) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return Action{Kind: ActionDone, Summary: "script complete"}, nil
	}
	step := s.steps[s.pos]
	s.pos++
	return step(obs), nil
}

// LoadScript reads a YAML or JSON list of actions.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	actions, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	steps := make([]ScriptStep, len(actions))
	for i, a := range actions {
		steps[i] = Do(a)
	}
	return NewScripted(steps...), nil
}

// ParseScript decodes a list of actions. YAML is a superset of JSON, so one
// decoder serves both; the result is re-encoded so the JSON field names apply.
func ParseScript(data []byte) ([]Action, error) {
	var generic []interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
	}
	return actions, nil
}
