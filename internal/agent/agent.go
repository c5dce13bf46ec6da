// Package agent runs one task against one target: it lets the fallback
// controller settle how the target is driven, then loops planner decisions
// through the structured API or the browser until the planner is done or the
// step budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/dom"
	"github.com/xkilldash9x/awi-cli/internal/executor"
	"github.com/xkilldash9x/awi-cli/internal/fallback"
	"github.com/xkilldash9x/awi-cli/internal/journal"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/planner"
)

const (
	defaultMaxSteps = 20
	pageTextLimit   = 2000
)

// Modes an agent operates in.
const (
	ModeStructured = "structured"
	ModeDom        = "dom"
)

// Controller is the part of the fallback controller the agent drives.
type Controller interface {
	Start(ctx context.Context, target string) fallback.State
	State() fallback.State
	History() []fallback.Transition
	Manifest() *manifest.Manifest
	Executor() *executor.Executor
	Execute(ctx context.Context, in executor.Intent) (executor.Result, error)
	Session(ctx context.Context, kind executor.SessionKind, params map[string]interface{}) (executor.Result, error)
}

// Deps wires an Agent.
type Deps struct {
	Controller Controller
	Planner    planner.Planner
	// Browser is optional. Without one, dom actions are answered with an error
	// outcome the planner can read.
	Browser  dom.Automator
	Journal  journal.Recorder
	Tier     capability.Tier
	MaxSteps int
	Logger   *zap.Logger
}

// Report is the outcome of a task.
type Report struct {
	TaskID      string                `json:"task_id"`
	Task        string                `json:"task"`
	Target      string                `json:"target"`
	Mode        string                `json:"mode"`
	FinalState  fallback.State        `json:"final_state"`
	Completed   bool                  `json:"completed"`
	Summary     string                `json:"summary"`
	Steps       []planner.Step        `json:"steps"`
	Transitions []fallback.Transition `json:"transitions"`
	Duration    time.Duration         `json:"duration"`
}

// Agent executes a single task.
type Agent struct {
	deps   Deps
	logger *zap.Logger

	taskID   string
	target   string
	step     int
	recorded int
}

// New validates deps and returns an Agent.
func New(deps Deps) (*Agent, error) {
	if deps.Controller == nil || deps.Planner == nil {
		return nil, errors.New("cannot initialize agent with nil controller or planner")
	}
	if deps.Journal == nil {
		deps.Journal = journal.NewMemory()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxSteps <= 0 {
		deps.MaxSteps = defaultMaxSteps
	}
	if deps.Tier == "" {
		deps.Tier = capability.TierStandard
	}
	return &Agent{deps: deps, logger: deps.Logger.Named("agent")}, nil
}

// Run carries out task against target. Starting the controller is skipped
// when it has already settled, for example from a locally loaded manifest.
// Errors are reserved for planner failures and cancellation; everything the
// target answers becomes a step outcome.
func (a *Agent) Run(ctx context.Context, task, target string) (*Report, error) {
	start := time.Now()
	a.taskID = uuid.NewString()
	a.target = target
	a.step = 0
	a.recorded = 0
	logger := a.logger.With(zap.String("task_id", a.taskID), zap.String("target", target))
	logger.Info("Task started", zap.String("task", task))

	ctrl := a.deps.Controller
	if ctrl.State() == fallback.Unattempted {
		ctrl.Start(ctx, target)
	}
	a.flushTransitions(ctx)

	report := &Report{TaskID: a.taskID, Task: task, Target: target}
	mode := modeFor(ctrl.State())

	finish := func() {
		a.flushTransitions(ctx)
		report.Mode = mode
		report.FinalState = ctrl.State()
		report.Transitions = ctrl.History()
		report.Duration = time.Since(start)
		logger.Info("Task finished",
			zap.Bool("completed", report.Completed),
			zap.Int("steps", len(report.Steps)),
			zap.String("mode", mode),
			zap.Duration("duration", report.Duration))
	}

	for a.step = 1; a.step <= a.deps.MaxSteps; a.step++ {
		if err := ctx.Err(); err != nil {
			finish()
			return report, err
		}
		obs := a.observe(task, mode, report.Steps)
		action, err := a.deps.Planner.Next(ctx, obs)
		if err != nil {
			finish()
			return report, fmt.Errorf("planner failed at step %d: %w", a.step, err)
		}
		if action.Kind == planner.ActionDone {
			report.Completed = true
			report.Summary = action.Summary
			break
		}

		var outcome string
		switch action.Kind {
		case planner.ActionCall:
			outcome, mode = a.call(ctx, mode, action.Intent)
		case planner.ActionSession:
			outcome, mode = a.session(ctx, mode, action.Session, action.Params)
		case planner.ActionDom:
			outcome = a.browse(ctx, mode, action.Dom)
		default:
			outcome = fmt.Sprintf("unsupported action %q", action.Kind)
		}
		logger.Debug("Step completed", zap.Int("step", a.step), zap.String("kind", string(action.Kind)))
		report.Steps = append(report.Steps, planner.Step{Number: a.step, Action: action, Outcome: outcome})
		a.flushTransitions(ctx)
	}

	if !report.Completed {
		report.Summary = fmt.Sprintf("step budget of %d exhausted", a.deps.MaxSteps)
	}
	finish()
	return report, nil
}

func modeFor(st fallback.State) string {
	if st == fallback.StructuredAPIActive {
		return ModeStructured
	}
	return ModeDom
}

// observe builds what the planner sees. The manifest is described at the
// tier's verbosity.
func (a *Agent) observe(task, mode string, history []planner.Step) planner.Observation {
	obs := planner.Observation{
		Task:      task,
		Target:    a.target,
		Mode:      mode,
		History:   history,
		StepsLeft: a.deps.MaxSteps - a.step + 1,
	}
	if mode != ModeStructured {
		return obs
	}
	m := a.deps.Controller.Manifest()
	if m == nil {
		return obs
	}
	verbosity := capability.Verbosity(a.deps.Tier)
	preferQuick := capability.PreferQuickReference(a.deps.Tier)
	if exec := a.deps.Controller.Executor(); exec != nil {
		preferQuick = exec.PreferQuickReference()
	}
	guide := manifest.OperationGuide(m, preferQuick, verbosity == capability.VerbosityMinimal)
	if verbosity == capability.VerbosityFull {
		obs.Manifest = manifest.Summary(m) + "\n" + guide
	} else {
		obs.Manifest = guide
	}
	obs.Verbosity = verbosity
	obs.Sessions = executor.SessionKinds(m)
	return obs
}

func (a *Agent) call(ctx context.Context, mode string, in executor.Intent) (string, string) {
	if mode != ModeStructured {
		return "structured API unavailable: use dom actions", mode
	}
	res, err := a.deps.Controller.Execute(ctx, in)
	a.recordResult(ctx, journal.KindOperation, in, res)
	if errors.Is(err, fallback.ErrDomFallback) {
		return res.Text() + "\nStructured API no longer available; switched to dom mode.", ModeDom
	}
	if err != nil {
		return "call failed: " + err.Error(), mode
	}
	return res.Text(), mode
}

func (a *Agent) session(ctx context.Context, mode string, kind executor.SessionKind, params map[string]interface{}) (string, string) {
	if mode != ModeStructured {
		return "session endpoints unavailable in dom mode", mode
	}
	res, err := a.deps.Controller.Session(ctx, kind, params)
	if errors.Is(err, fallback.ErrDomFallback) {
		return "structured API unavailable; switched to dom mode", ModeDom
	}
	if err != nil {
		return "session call failed: " + err.Error(), mode
	}
	a.recordResult(ctx, journal.KindOperation, res.Intent, res)
	return res.Text(), mode
}

func (a *Agent) browse(ctx context.Context, mode string, act dom.Action) string {
	if mode == ModeStructured {
		return "dom actions are disabled while the structured API is active"
	}
	if a.deps.Browser == nil {
		return "browser automation is not available"
	}
	start := time.Now()
	page, err := a.deps.Browser.Do(ctx, act)
	entry := journal.Entry{
		Kind:      journal.KindDom,
		Operation: string(act.Kind),
		Endpoint:  act.URL,
		Duration:  time.Since(start),
		Detail:    marshal(act),
	}
	var outcome string
	if err != nil {
		entry.Outcome = "error"
		entry.Message = err.Error()
		outcome = "browser action failed: " + err.Error()
	} else {
		entry.Outcome = "ok"
		entry.Endpoint = page.URL
		outcome = page.Summary(pageTextLimit)
	}
	a.record(ctx, entry)
	return outcome
}

func (a *Agent) recordResult(ctx context.Context, kind journal.Kind, in executor.Intent, res executor.Result) {
	if !res.Sent && res.Kind == "" {
		return
	}
	a.record(ctx, journal.Entry{
		Kind:      kind,
		Operation: in.Operation,
		Method:    res.Method,
		Endpoint:  res.URL,
		Outcome:   string(res.Kind),
		Status:    res.Status,
		Message:   res.Detail(),
		Detail:    marshal(in),
		Duration:  res.Duration,
	})
}

// flushTransitions journals controller transitions not recorded yet.
func (a *Agent) flushTransitions(ctx context.Context) {
	history := a.deps.Controller.History()
	for _, tr := range history[min(a.recorded, len(history)):] {
		a.record(ctx, journal.Entry{
			Kind:       journal.KindTransition,
			Outcome:    string(tr.To),
			Message:    tr.Reason,
			Detail:     marshal(tr),
			RecordedAt: tr.At,
		})
	}
	a.recorded = len(history)
}

func (a *Agent) record(ctx context.Context, e journal.Entry) {
	e.TaskID = a.taskID
	e.Target = a.target
	e.Step = a.step
	if err := a.deps.Journal.Record(ctx, e); err != nil {
		a.logger.Warn("Failed to journal step", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
