package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/awi-cli/internal/agent"
	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/dom"
	"github.com/xkilldash9x/awi-cli/internal/executor"
	"github.com/xkilldash9x/awi-cli/internal/fallback"
	"github.com/xkilldash9x/awi-cli/internal/journal"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/network"
	"github.com/xkilldash9x/awi-cli/internal/observability"
	"github.com/xkilldash9x/awi-cli/internal/planner"
	"github.com/xkilldash9x/awi-cli/internal/registration"
)

type runOptions struct {
	Task         string
	Targets      []string
	ManifestPath string
	ScriptPath   string
	AgentName    string
	NoBrowser    bool
	JSON         bool
}

// runtime is shared by every target of one run. The credential store and
// the journal are safe for concurrent use.
type runtime struct {
	cfg        *config.Config
	client     manifest.Doer
	store      *credentials.Store
	approver   registration.Approver
	journal    journal.Recorder
	newPlanner func(ctx context.Context) (planner.Planner, error)
	newBrowser func() dom.Automator
	tier       capability.Tier
	logger     *zap.Logger
	// sleep replaces rate-limit waits. Tests only.
	sleep executor.SleepFunc
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Completes a task on one or more websites",
		Long: `Discovers each target's Agent Web Interface, registers or reuses an agent
credential and lets the planner drive the structured API. Targets without a
usable API fall back to browser automation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if autoApprove {
				cfg.Registration.AutoApprove = true
			}
			opts.Task = args[0]
			ctx := cmd.Context()
			logger := observability.GetLogger()

			rt, cleanup, err := newRuntime(ctx, cmd, cfg, opts, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			reports, runErr := runTasks(ctx, rt, opts)
			if err := writeReports(cmd.OutOrStdout(), reports, opts.JSON); err != nil {
				return err
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.Targets, "target", "t", nil, "target website URL (repeatable)")
	f.StringVar(&opts.ManifestPath, "manifest", "", "use a local manifest file instead of discovery")
	f.StringVar(&opts.ScriptPath, "script", "", "replay a YAML or JSON action script instead of asking the model")
	f.StringVar(&opts.AgentName, "agent-name", "", "only reuse credentials registered under this agent name")
	f.BoolVar(&opts.NoBrowser, "no-browser", false, "never launch a browser; dom actions fail")
	f.BoolVar(&opts.JSON, "json", false, "print reports as JSON")
	f.BoolVar(&autoApprove, "auto-approve", false, "approve registration without prompting")
	f.String("model", "", "planner model id")
	f.Int("max-steps", 0, "step budget per target")
	f.Int("concurrency", 0, "targets driven at once")
	bindFlag(cmd, "model", "agent.model")
	bindFlag(cmd, "max-steps", "agent.max_steps")
	bindFlag(cmd, "concurrency", "agent.concurrency")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// newRuntime opens the shared resources of a run. cleanup releases them.
func newRuntime(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *runOptions, logger *zap.Logger) (*runtime, func(), error) {
	if opts.ManifestPath != "" && len(opts.Targets) > 1 {
		return nil, nil, errors.New("--manifest applies to a single target")
	}
	httpClient := network.NewClient(network.ClientConfigFromConfig(cfg.Network, logger))

	store, err := credentials.Open(cfg.Credentials.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	rec, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		client:   httpClient,
		store:    store,
		approver: newApprover(cmd, cfg),
		journal:  rec,
		tier:     capability.Classify(cfg.Agent.Model),
		logger:   logger,
	}

	if opts.ScriptPath != "" {
		// Each target replays the script from the start.
		rt.newPlanner = func(context.Context) (planner.Planner, error) {
			return planner.LoadScript(opts.ScriptPath)
		}
	} else {
		gemini, err := planner.NewGemini(ctx, cfg.Agent, httpClient.Client, logger)
		if err != nil {
			rec.Close()
			return nil, nil, fmt.Errorf("failed to initialize planner: %w", err)
		}
		rt.newPlanner = func(context.Context) (planner.Planner, error) { return gemini, nil }
	}

	if !opts.NoBrowser {
		rt.newBrowser = func() dom.Automator {
			return dom.NewLazy(func() (dom.Automator, error) {
				return dom.NewChrome(cfg.Browser, logger)
			})
		}
	}
	logger.Info("Run prepared",
		zap.Strings("targets", opts.Targets),
		zap.String("tier", string(rt.tier)),
		zap.String("credentials", store.Path()))
	return rt, rec.Close, nil
}

func newApprover(cmd *cobra.Command, cfg *config.Config) registration.Approver {
	if cfg.Registration.AutoApprove {
		return registration.FixedApprover{
			Approved:    true,
			AgentName:   cfg.Registration.DefaultName,
			Permissions: cfg.Registration.DefaultPermissions,
		}
	}
	return registration.NewTerminalApprover(cmd.InOrStdin(), cmd.ErrOrStderr(), cfg.Registration.DefaultName)
}

// runTasks drives every target, at most agent.concurrency at once. A failing
// target does not stop the others; their errors are joined.
func runTasks(ctx context.Context, rt *runtime, opts *runOptions) ([]*agent.Report, error) {
	reports := make([]*agent.Report, len(opts.Targets))
	errs := make([]error, len(opts.Targets))

	var g errgroup.Group
	g.SetLimit(rt.cfg.Agent.Concurrency)
	for i, target := range opts.Targets {
		g.Go(func() error {
			report, err := runTarget(ctx, rt, opts, target)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", target, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func runTarget(ctx context.Context, rt *runtime, opts *runOptions, target string) (*agent.Report, error) {
	logger := rt.logger.With(zap.String("target", target))
	ctrl, err := fallback.New(fallback.Deps{
		Client:    rt.client,
		Store:     rt.store,
		Approver:  rt.approver,
		Config:    rt.cfg,
		Tier:      rt.tier,
		AgentName: opts.AgentName,
		Logger:    logger,
		Sleep:     rt.sleep,
	})
	if err != nil {
		return nil, err
	}

	if opts.ManifestPath != "" {
		m, err := manifest.LoadFile(opts.ManifestPath)
		if err != nil {
			return nil, err
		}
		origin, err := credentials.Origin(target)
		if err != nil {
			return nil, err
		}
		ctrl.StartWithManifest(ctx, origin, m)
	}

	p, err := rt.newPlanner(ctx)
	if err != nil {
		return nil, err
	}
	var browser dom.Automator
	if rt.newBrowser != nil {
		browser = rt.newBrowser()
		defer func() {
			if err := browser.Close(); err != nil {
				logger.Warn("Failed to close browser", zap.Error(err))
			}
		}()
	}

	a, err := agent.New(agent.Deps{
		Controller: ctrl,
		Planner:    p,
		Browser:    browser,
		Journal:    rt.journal,
		Tier:       rt.tier,
		MaxSteps:   rt.cfg.Agent.MaxSteps,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, opts.Task, target)
}

func writeReports(w io.Writer, reports []*agent.Report, asJSON bool) error {
	if asJSON {
		out := make([]*agent.Report, 0, len(reports))
		for _, r := range reports {
			if r != nil {
				out = append(out, r)
			}
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode reports: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "Target:    %s\n", r.Target)
		fmt.Fprintf(w, "Task ID:   %s\n", r.TaskID)
		fmt.Fprintf(w, "Mode:      %s (%s)\n", r.Mode, r.FinalState)
		fmt.Fprintf(w, "Completed: %t\n", r.Completed)
		fmt.Fprintf(w, "Summary:   %s\n", r.Summary)
		for _, s := range r.Steps {
			fmt.Fprintf(w, "  %2d. %-8s %s\n", s.Number, s.Action.Kind, firstLine(s.Outcome))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
