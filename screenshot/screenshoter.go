// Package screenshot drives the per-page capture chain of a session.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"capium/capability"
	"capium/config"
	"capium/metrics"
	"capium/session"
)

// FailureKind classifies why a page produced no artifact.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureURL           FailureKind = "url"
	FailureNavigation    FailureKind = "navigation"
	FailureUnbindTimeout FailureKind = "unbind_timeout"
	FailureScript        FailureKind = "script"
	FailureScreenshot    FailureKind = "screenshot"
	FailureWrite         FailureKind = "write"
	FailureCanceled      FailureKind = "canceled"
)

var (
	// ErrUnbindTimeout means the page never became ready for unbinding.
	ErrUnbindTimeout = errors.New("unbinding could not be completed")
	// ErrWarningDismiss means the credentials warning could not be dismissed.
	// It is a warning; the page is still captured.
	ErrWarningDismiss = errors.New("credentials warning could not be dismissed")

	errNotReady = errors.New("page not ready")
)

// Result is the outcome of one page.
type Result struct {
	URL string
	// Path is the written artifact; empty on failure.
	Path     string
	FullPage bool
	Kind     FailureKind
	Err      error
	// Warning holds a best-effort step that failed without failing the page.
	Warning  error
	Duration time.Duration
}

// OK reports whether the artifact was written.
func (r Result) OK() bool {
	return r.Kind == FailureNone
}

func (r Result) label() string {
	if r.OK() {
		return "ok"
	}
	return string(r.Kind)
}

// Options configure the capture chain.
type Options struct {
	OutputDir      string
	UnbindTimeout  time.Duration
	UnbindPoll     time.Duration
	DismissTimeout time.Duration
	Settle         time.Duration
}

// OptionsFromConfig takes capture options from a loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputDir:      cfg.OutputDir,
		UnbindTimeout:  cfg.Timeouts.Unbind,
		UnbindPoll:     cfg.Timeouts.UnbindPoll,
		DismissTimeout: cfg.Timeouts.DismissWarning,
		Settle:         cfg.Timeouts.Settle,
	}
}

// Screenshoter handles the screenshot capturing logic
type Screenshoter struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewScreenshoter creates a new Screenshoter. rec may be nil.
func NewScreenshoter(opts Options, logger *zap.Logger, rec *metrics.Recorder) *Screenshoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Screenshoter{opts: opts, logger: logger, metrics: rec}
}

// CapturePages processes pages in order on one session. A failed page does
// not stop its siblings; a cancelled context marks the rest as canceled.
func (s *Screenshoter) CapturePages(ctx context.Context, sess *session.Session, pages []config.Page) []Result {
	results := make([]Result, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{URL: page.URL, Kind: FailureCanceled, Err: err})
			continue
		}
		results = append(results, s.CapturePage(ctx, sess, page))
	}
	return results
}

// CapturePage runs the chain for one page and writes its artifact.
func (s *Screenshoter) CapturePage(ctx context.Context, sess *session.Session, page config.Page) Result {
	start := time.Now()
	target := sess.Target()
	logger := s.logger.With(
		zap.String("target", target.String()),
		zap.String("url", page.URL),
		zap.String("session_id", sess.ID),
	)

	res := s.capture(ctx, sess, page, logger)
	res.Duration = time.Since(start)

	if s.metrics != nil {
		s.metrics.ObserveCapture(target.String(), res.label(), res.Duration)
	}
	if res.OK() {
		logger.Info("Captured screenshot",
			zap.String("path", res.Path),
			zap.Bool("full_page", res.FullPage),
			zap.Duration("elapsed", res.Duration))
	} else {
		logger.Error("Capture failed",
			zap.String("kind", string(res.Kind)),
			zap.Duration("elapsed", res.Duration),
			zap.Error(res.Err))
	}
	return res
}

func (s *Screenshoter) capture(ctx context.Context, sess *session.Session, page config.Page, logger *zap.Logger) Result {
	res := Result{URL: page.URL}
	d := sess.Driver

	url := page.URL
	if page.BasicAuth != nil {
		authURL, err := URLForBasicAuth(url, page.BasicAuth.User, page.BasicAuth.Key)
		if err != nil {
			return fail(res, FailureURL, err)
		}
		url = authURL
	}
	res.Path = DestPath(s.opts.OutputDir, sess.Target(), url)

	if err := d.Navigate(ctx, url); err != nil {
		return fail(res, kindFor(ctx, FailureNavigation), fmt.Errorf("navigate: %w", err))
	}

	if s.showsCredentialsWarning(sess, url) {
		if err := s.dismissWarning(ctx, sess); err != nil {
			res.Warning = err
			logger.Warn("WarningDismissFailure, continuing", zap.Error(err))
		}
	}

	if err := s.waitForUnbind(ctx, sess); err != nil {
		return fail(res, kindFor(ctx, FailureUnbindTimeout), err)
	}
	if _, err := d.ExecuteScript(ctx, unbindScript); err != nil {
		return fail(res, kindFor(ctx, FailureScript), fmt.Errorf("unbind beforeunload: %w", err))
	}

	if page.Script != "" {
		out, err := d.ExecuteScript(ctx, page.Script)
		if err != nil {
			return fail(res, kindFor(ctx, FailureScript), fmt.Errorf("page script: %w", err))
		}
		logger.Info("Page script returned", zap.Any("result", out))
	}
	if page.AsyncScript != "" {
		out, err := d.ExecuteAsyncScript(ctx, page.AsyncScript)
		if err != nil {
			return fail(res, kindFor(ctx, FailureScript), fmt.Errorf("async page script: %w", err))
		}
		logger.Info("Async page script returned", zap.Any("result", out))
	}

	if page.Delay > 0 {
		if err := sleep(ctx, page.Delay); err != nil {
			return fail(res, FailureCanceled, err)
		}
	}

	res.FullPage = FullPage(sess.Mobile, sess.Target().Browser)
	var buf []byte
	var err error
	if res.FullPage {
		buf, err = d.FullPageScreenshot(ctx)
	} else {
		buf, err = d.Screenshot(ctx)
	}
	if err != nil {
		return fail(res, kindFor(ctx, FailureScreenshot), fmt.Errorf("screenshot: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(res.Path), 0755); err != nil {
		return fail(res, FailureWrite, fmt.Errorf("create output directory: %w", err))
	}
	if err := os.WriteFile(res.Path, buf, 0644); err != nil {
		return fail(res, FailureWrite, fmt.Errorf("write screenshot: %w", err))
	}
	return res
}

// showsCredentialsWarning reports whether a local Safari will stop on its
// phishing warning for url. Like FullPage it goes by the requested browser;
// providers may rename the browserName capability (BrowserStack uses iPhone).
func (s *Screenshoter) showsCredentialsWarning(sess *session.Session, url string) bool {
	return sess.Provider() == capability.Local &&
		strings.Contains(strings.ToLower(sess.Target().Browser), "safari") &&
		hasCredentials(url)
}

func (s *Screenshoter) dismissWarning(ctx context.Context, sess *session.Session) error {
	if err := sess.Driver.ClickByID(ctx, warningButtonID, s.opts.DismissTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrWarningDismiss, err)
	}
	return sleep(ctx, s.opts.Settle)
}

// waitForUnbind polls the readiness script until it returns true or the
// unbind timeout passes. The timeout also bounds a probe that never returns.
// Expiry is final.
func (s *Screenshoter) waitForUnbind(ctx context.Context, sess *session.Session) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.opts.UnbindTimeout)
	defer cancel()

	backoff := retry.WithMaxDuration(s.opts.UnbindTimeout, retry.NewConstant(s.opts.UnbindPoll))
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		out, err := sess.Driver.ExecuteScript(ctx, waitUnbindScript, jquerySelector)
		if err != nil {
			return retry.RetryableError(err)
		}
		if ready, _ := out.(bool); !ready {
			return retry.RetryableError(errNotReady)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %s: %w", ErrUnbindTimeout, s.opts.UnbindTimeout, err)
}

// FullPage reports whether a requested browser captures the whole page:
// Chrome and Safari on mobile, Chrome and Firefox on desktop.
func FullPage(mobile bool, browser string) bool {
	name := strings.ToLower(browser)
	if mobile {
		return strings.Contains(name, "chrome") || strings.Contains(name, "safari")
	}
	return strings.Contains(name, "chrome") || strings.Contains(name, "firefox")
}

func fail(res Result, kind FailureKind, err error) Result {
	res.Path = ""
	res.Kind = kind
	res.Err = err
	return res
}

// kindFor reports cancellation ahead of the step that noticed it.
func kindFor(ctx context.Context, kind FailureKind) FailureKind {
	if ctx.Err() != nil {
		return FailureCanceled
	}
	return kind
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
