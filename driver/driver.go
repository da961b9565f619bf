// Package driver adapts remote-control browser clients to the small set of
// operations a capture session needs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupportedBrowser is returned when no local backend can drive the
// requested browser.
var ErrUnsupportedBrowser = errors.New("driver: unsupported browser")

// Timeouts are applied to a session once after it is built.
type Timeouts struct {
	Implicit time.Duration
	Script   time.Duration
	PageLoad time.Duration
}

// Driver is a live browser session.
type Driver interface {
	// Navigate loads url in the current window.
	Navigate(ctx context.Context, url string) error
	// ExecuteScript runs a synchronous script body. The body reads its
	// parameters from `arguments` and returns its result with `return`.
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)
	// ExecuteAsyncScript runs a script body that reports its result by
	// calling the callback passed as the last element of `arguments`.
	ExecuteAsyncScript(ctx context.Context, script string, args ...any) (any, error)
	// ClickByID waits up to timeout for the element with the given id and clicks it.
	ClickByID(ctx context.Context, id string, timeout time.Duration) error
	SetTimeouts(ctx context.Context, t Timeouts) error
	SetWindowSize(ctx context.Context, width, height int) error
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// FullPageScreenshot captures the whole scrollable page as PNG.
	FullPageScreenshot(ctx context.Context) ([]byte, error)
	// SessionID returns the provider-issued session identifier.
	SessionID(ctx context.Context) (string, error)
	Close() error
}

// Backend names a local browser client.
type Backend string

const (
	BackendAuto       Backend = "auto"
	BackendChromedp   Backend = "chromedp"
	BackendPlaywright Backend = "playwright"
	BackendWebDriver  Backend = "webdriver"
)

// LocalOptions configure local sessions.
type LocalOptions struct {
	Backend    Backend
	Headless   bool
	ChromePath string
	// Docker allows falling back to a Chrome container when no local
	// Chrome executable is found.
	Docker      bool
	DockerImage string
	// WebDriverURL points at a local Selenium or driver server.
	WebDriverURL string
}

// Spec describes the session to open.
type Spec struct {
	Capabilities map[string]any
	// Endpoint is the remote hub URL; empty opens a local browser.
	Endpoint string
	Local    LocalOptions
	Logger   *zap.Logger
}

// Opener opens a driver for a spec.
type Opener func(ctx context.Context, spec Spec) (Driver, error)

// Open builds a session: remote when spec.Endpoint is set, local otherwise.
func Open(ctx context.Context, spec Spec) (Driver, error) {
	if spec.Logger == nil {
		spec.Logger = zap.NewNop()
	}
	if spec.Endpoint != "" {
		return openWebDriver(ctx, spec.Capabilities, spec.Endpoint, spec.Logger)
	}

	switch backend := SelectBackend(spec); backend {
	case BackendChromedp:
		return openChrome(ctx, spec)
	case BackendPlaywright:
		return openPlaywright(ctx, spec)
	case BackendWebDriver:
		if spec.Local.WebDriverURL == "" {
			return nil, fmt.Errorf("driver: webdriver backend needs a local webdriver url")
		}
		return openWebDriver(ctx, spec.Capabilities, spec.Local.WebDriverURL, spec.Logger)
	default:
		return nil, fmt.Errorf("driver: unknown backend %q", backend)
	}
}

// SelectBackend picks the local client for a spec. Chrome runs over CDP;
// other engines go through playwright unless a WebDriver server is set.
func SelectBackend(spec Spec) Backend {
	if b := spec.Local.Backend; b != "" && b != BackendAuto {
		return b
	}
	if spec.Local.WebDriverURL != "" {
		return BackendWebDriver
	}
	switch browserName(spec.Capabilities) {
	case "chrome", "chromium":
		return BackendChromedp
	default:
		return BackendPlaywright
	}
}

func browserName(caps map[string]any) string {
	name, _ := caps["browserName"].(string)
	return strings.ToLower(strings.TrimSpace(name))
}

// withContext runs fn and returns early when ctx ends. fn keeps running in
// the background; clients without context support cannot be interrupted.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
