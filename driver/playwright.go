package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

var (
	// One playwright server is shared by every local session.
	pwMu       sync.Mutex
	pwInstance *playwright.Playwright
)

// getPlaywright starts the shared playwright server, installing browsers on
// first use. A failed start is retried by the next caller.
func getPlaywright() (*playwright.Playwright, error) {
	pwMu.Lock()
	defer pwMu.Unlock()
	if pwInstance != nil {
		return pwInstance, nil
	}

	if err := playwright.Install(); err != nil {
		return nil, fmt.Errorf("failed to install playwright browsers: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	pwInstance = pw
	return pw, nil
}

// StopPlaywright shuts the shared playwright server down, if it was started.
func StopPlaywright() error {
	pwMu.Lock()
	defer pwMu.Unlock()
	if pwInstance == nil {
		return nil
	}
	err := pwInstance.Stop()
	pwInstance = nil
	return err
}

// playwrightDriver drives Firefox, WebKit and Edge locally.
type playwrightDriver struct {
	browser  playwright.Browser
	page     playwright.Page
	id       string
	logger   *zap.Logger
	timeouts Timeouts
}

// engine is a playwright browser type plus launch channel.
type engine struct {
	kind    string
	channel string
}

// playwrightEngine maps a browserName capability to a playwright engine.
func playwrightEngine(name string) (engine, error) {
	switch name {
	case "firefox":
		return engine{kind: "firefox"}, nil
	case "safari", "webkit":
		return engine{kind: "webkit"}, nil
	case "microsoftedge", "edge", "msedge":
		return engine{kind: "chromium", channel: "msedge"}, nil
	case "chrome":
		return engine{kind: "chromium", channel: "chrome"}, nil
	case "chromium":
		return engine{kind: "chromium"}, nil
	default:
		return engine{}, fmt.Errorf("%w: %q", ErrUnsupportedBrowser, name)
	}
}

func (e engine) browserType(pw *playwright.Playwright) playwright.BrowserType {
	switch e.kind {
	case "firefox":
		return pw.Firefox
	case "webkit":
		return pw.WebKit
	default:
		return pw.Chromium
	}
}

func openPlaywright(ctx context.Context, spec Spec) (Driver, error) {
	name := browserName(spec.Capabilities)
	eng, err := playwrightEngine(name)
	if err != nil {
		return nil, err
	}

	pw, err := getPlaywright()
	if err != nil {
		return nil, err
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(spec.Local.Headless),
	}
	if eng.channel != "" {
		opts.Channel = playwright.String(eng.channel)
	}

	var browser playwright.Browser
	if err := withContext(ctx, func() error {
		var err error
		browser, err = eng.browserType(pw).Launch(opts)
		return err
	}); err != nil {
		return nil, fmt.Errorf("driver: launch %s: %w", name, err)
	}

	page, err := browser.NewPage()
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("driver: new page: %w", err)
	}

	id := uuid.NewString()
	spec.Logger.Debug("playwright session started", zap.String("browser", name), zap.String("session_id", id))
	return &playwrightDriver{browser: browser, page: page, id: id, logger: spec.Logger}, nil
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	return withContext(ctx, func() error {
		_, err := d.page.Goto(url)
		return err
	})
}

func (d *playwrightDriver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	expr, err := wrapScript(script, args)
	if err != nil {
		return nil, err
	}
	return d.evaluate(ctx, expr)
}

func (d *playwrightDriver) ExecuteAsyncScript(ctx context.Context, script string, args ...any) (any, error) {
	expr, err := wrapAsyncScript(script, args)
	if err != nil {
		return nil, err
	}
	if d.timeouts.Script > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeouts.Script)
		defer cancel()
	}
	return d.evaluate(ctx, expr)
}

func (d *playwrightDriver) evaluate(ctx context.Context, expr string) (any, error) {
	var res any
	err := withContext(ctx, func() error {
		var err error
		res, err = d.page.Evaluate(expr)
		return err
	})
	return res, err
}

func (d *playwrightDriver) ClickByID(ctx context.Context, id string, timeout time.Duration) error {
	return withContext(ctx, func() error {
		return d.page.Locator("#" + id).Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
	})
}

func (d *playwrightDriver) SetTimeouts(ctx context.Context, t Timeouts) error {
	d.timeouts = t
	d.page.SetDefaultNavigationTimeout(float64(t.PageLoad.Milliseconds()))
	return nil
}

func (d *playwrightDriver) SetWindowSize(ctx context.Context, width, height int) error {
	return d.page.SetViewportSize(width, height)
}

func (d *playwrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.screenshot(ctx, false)
}

func (d *playwrightDriver) FullPageScreenshot(ctx context.Context) ([]byte, error) {
	return d.screenshot(ctx, true)
}

func (d *playwrightDriver) screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	err := withContext(ctx, func() error {
		var err error
		buf, err = d.page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(fullPage),
			Type:     playwright.ScreenshotTypePng,
		})
		return err
	})
	return buf, err
}

// SessionID returns a locally generated id; playwright has no remote session.
func (d *playwrightDriver) SessionID(ctx context.Context) (string, error) {
	return d.id, nil
}

func (d *playwrightDriver) Close() error {
	return d.browser.Close()
}
