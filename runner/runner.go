// Package runner resolves every target, runs one capture chain per target
// and aggregates the results of a run.
package runner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"capium/capability"
	"capium/config"
	"capium/driver"
	"capium/metrics"
	"capium/report"
	"capium/screenshot"
	"capium/session"
)

// TargetResult is the outcome of one target chain.
type TargetResult struct {
	Target    capability.Target
	Provider  capability.Provider
	SessionID string
	// Err is set when the chain failed before any page was attempted.
	Err   error
	Pages []screenshot.Result
}

// Passed reports whether the session came up and every page was captured.
func (t TargetResult) Passed() bool {
	if t.Err != nil {
		return false
	}
	for _, p := range t.Pages {
		if !p.OK() {
			return false
		}
	}
	return true
}

// Summary aggregates a run.
type Summary struct {
	BuildID string
	Targets []TargetResult
}

// Failed reports whether any target or page failed.
func (s *Summary) Failed() bool {
	for _, t := range s.Targets {
		if !t.Passed() {
			return true
		}
	}
	return false
}

// Counts returns the number of captured and failed pages. A target whose
// session never came up counts each of its pages as failed.
func (s *Summary) Counts(pagesPerTarget int) (captured, failed int) {
	for _, t := range s.Targets {
		if t.Err != nil {
			failed += pagesPerTarget
			continue
		}
		for _, p := range t.Pages {
			if p.OK() {
				captured++
			} else {
				failed++
			}
		}
	}
	return captured, failed
}

// Option customizes a Runner.
type Option func(*Runner)

// WithOpener replaces driver.Open.
func WithOpener(open driver.Opener) Option {
	return func(r *Runner) { r.open = open }
}

// WithJobClients replaces the cloud job client factory.
func WithJobClients(fn func(*capability.Resolution) report.JobClient) Option {
	return func(r *Runner) { r.newJobClient = fn }
}

// WithResolver replaces the resolver over the embedded tables.
func WithResolver(res *capability.Resolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// Runner executes a capture run for a loaded config.
type Runner struct {
	cfg          *config.Config
	logger       *zap.Logger
	metrics      *metrics.Recorder
	resolver     *capability.Resolver
	open         driver.Opener
	newJobClient func(*capability.Resolution) report.JobClient

	sessions *session.Manager
	shooter  *screenshot.Screenshoter
	reporter *report.Reporter
}

// New wires a Runner. rec may be nil.
func New(cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger, metrics: rec, open: driver.Open}
	for _, opt := range opts {
		opt(r)
	}

	if r.resolver == nil {
		res, err := capability.DefaultResolver()
		if err != nil {
			return nil, fmt.Errorf("load capability tables: %w", err)
		}
		r.resolver = res
	}
	if r.newJobClient == nil {
		retries := report.WithRetries(cfg.Report.Retries)
		r.newJobClient = func(res *capability.Resolution) report.JobClient {
			return report.ClientFor(res, retries)
		}
	}

	r.sessions = session.NewManager(r.open, session.Options{
		Timeouts: driver.Timeouts{
			Implicit: cfg.Timeouts.Implicit,
			Script:   cfg.Timeouts.Script,
			PageLoad: cfg.Timeouts.PageLoad,
		},
		Viewport: session.Viewport{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height},
		Local: driver.LocalOptions{
			Backend:      driver.Backend(cfg.Local.Backend),
			Headless:     cfg.Local.Headless,
			ChromePath:   cfg.Local.ChromePath,
			Docker:       cfg.Local.Docker,
			DockerImage:  cfg.Local.DockerImage,
			WebDriverURL: cfg.Local.WebDriverURL,
		},
	}, logger)
	r.shooter = screenshot.NewScreenshoter(screenshot.OptionsFromConfig(cfg), logger, rec)
	r.reporter = &report.Reporter{
		Enabled:   cfg.Report.Enabled,
		NewClient: r.newJobClient,
		Logger:    logger,
		Metrics:   rec,
	}
	return r, nil
}

// Resolve resolves every configured target. Any error aborts the run before
// a session is built.
func (r *Runner) Resolve() ([]*capability.Resolution, error) {
	targets := r.cfg.ParsedTargets()
	out := make([]*capability.Resolution, 0, len(targets))
	for _, t := range targets {
		res, err := r.resolver.Resolve(t, r.cfg.Provider, r.cfg.Caps)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Run resolves all targets, then runs their chains concurrently up to the
// configured limit. The returned error is only for configuration problems;
// capture failures are reported in the Summary.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	resolutions, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	summary := &Summary{BuildID: uuid.NewString(), Targets: make([]TargetResult, len(resolutions))}
	for _, res := range resolutions {
		if res.Provider.IsCloud() && res.Capabilities.String(capability.KeyBuild) == "" {
			res.Capabilities[capability.KeyBuild] = summary.BuildID
		}
	}

	r.logger.Info("Starting capture run",
		zap.String("build", summary.BuildID),
		zap.Int("targets", len(resolutions)),
		zap.Int("pages", len(r.cfg.Pages)),
		zap.Int("concurrency", r.cfg.Concurrency))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, res := range resolutions {
		g.Go(func() error {
			summary.Targets[i] = r.runTarget(ctx, res)
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

// runTarget runs the sequential chain of one target under the target timeout.
func (r *Runner) runTarget(ctx context.Context, res *capability.Resolution) TargetResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Target)
	defer cancel()

	result := TargetResult{Target: res.Target, Provider: res.Provider}
	logger := r.logger.With(zap.String("target", res.Target.String()), zap.String("provider", string(res.Provider)))

	sess, err := r.sessions.Open(ctx, res)
	if err != nil {
		r.observeSession(res.Provider, "failed")
		logger.Error("Could not start session", zap.Error(err))
		result.Err = err
		return result
	}
	r.observeSession(res.Provider, "ok")
	result.SessionID = sess.ID

	result.Pages = r.shooter.CapturePages(ctx, sess, r.cfg.Pages)

	job := report.Job{Name: res.Capabilities.String(capability.KeyName), Passed: result.Passed()}
	if job.Name == "" {
		job.Name = r.cfg.Report.JobName
	}
	r.reporter.Finish(ctx, sess, job)

	logger.Info("Target finished", zap.Bool("passed", job.Passed), zap.Int("pages", len(result.Pages)))
	return result
}

func (r *Runner) observeSession(p capability.Provider, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveSession(string(p), outcome)
	}
}
