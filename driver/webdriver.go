package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/tebeka/selenium"
	"go.uber.org/zap"
)

// cleanupTimeout bounds calls that run after the caller's context may be
// gone, such as quitting a session on a hub that stopped answering.
const cleanupTimeout = 30 * time.Second

// webDriver talks the WebDriver protocol to a hub (SauceLabs, BrowserStack)
// or to a local Selenium server.
type webDriver struct {
	wd       selenium.WebDriver
	logger   *zap.Logger
	timeouts Timeouts
}

func openWebDriver(ctx context.Context, caps map[string]any, endpoint string, logger *zap.Logger) (Driver, error) {
	var wd selenium.WebDriver
	err := withContext(ctx, func() error {
		var err error
		wd, err = selenium.NewRemote(selenium.Capabilities(caps), endpoint)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("driver: new remote session: %w", err)
	}
	logger.Debug("webdriver session started", zap.String("session_id", wd.SessionID()))
	return &webDriver{wd: wd, logger: logger}, nil
}

func (d *webDriver) Navigate(ctx context.Context, url string) error {
	return withContext(ctx, func() error { return d.wd.Get(url) })
}

func (d *webDriver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	var res any
	err := withContext(ctx, func() error {
		var err error
		res, err = d.wd.ExecuteScript(script, nonNil(args))
		return err
	})
	return res, err
}

func (d *webDriver) ExecuteAsyncScript(ctx context.Context, script string, args ...any) (any, error) {
	var res any
	err := withContext(ctx, func() error {
		var err error
		res, err = d.wd.ExecuteScriptAsync(script, nonNil(args))
		return err
	})
	return res, err
}

func (d *webDriver) ClickByID(ctx context.Context, id string, timeout time.Duration) error {
	// The session-wide implicit wait would stretch every probe to its full
	// length, so it is lifted while polling for the element.
	if err := d.setImplicitWait(ctx, 0); err != nil {
		return fmt.Errorf("driver: clear implicit wait: %w", err)
	}
	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := d.setImplicitWait(restoreCtx, d.timeouts.Implicit); err != nil {
			d.logger.Warn("failed to restore implicit wait", zap.Error(err))
		}
	}()

	var elem selenium.WebElement
	err := withContext(ctx, func() error {
		return d.wd.WaitWithTimeout(func(wd selenium.WebDriver) (bool, error) {
			e, err := wd.FindElement(selenium.ByID, id)
			if err != nil {
				return false, nil
			}
			elem = e
			return true, nil
		}, timeout)
	})
	if err != nil {
		return fmt.Errorf("driver: element #%s not found: %w", id, err)
	}
	return withContext(ctx, elem.Click)
}

func (d *webDriver) setImplicitWait(ctx context.Context, wait time.Duration) error {
	return withContext(ctx, func() error { return d.wd.SetImplicitWaitTimeout(wait) })
}

func (d *webDriver) SetTimeouts(ctx context.Context, t Timeouts) error {
	d.timeouts = t
	return withContext(ctx, func() error {
		if err := d.wd.SetImplicitWaitTimeout(t.Implicit); err != nil {
			return fmt.Errorf("driver: implicit wait: %w", err)
		}
		if err := d.wd.SetAsyncScriptTimeout(t.Script); err != nil {
			return fmt.Errorf("driver: script timeout: %w", err)
		}
		if err := d.wd.SetPageLoadTimeout(t.PageLoad); err != nil {
			return fmt.Errorf("driver: page load timeout: %w", err)
		}
		return nil
	})
}

func (d *webDriver) SetWindowSize(ctx context.Context, width, height int) error {
	return withContext(ctx, func() error {
		handle, err := d.wd.CurrentWindowHandle()
		if err != nil {
			return fmt.Errorf("driver: current window: %w", err)
		}
		return d.wd.ResizeWindow(handle, width, height)
	})
}

func (d *webDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := withContext(ctx, func() error {
		var err error
		buf, err = d.wd.Screenshot()
		return err
	})
	return buf, err
}

func (d *webDriver) FullPageScreenshot(ctx context.Context) ([]byte, error) {
	return stitchFullPage(ctx, d)
}

func (d *webDriver) SessionID(ctx context.Context) (string, error) {
	id := d.wd.SessionID()
	if id == "" {
		return "", fmt.Errorf("driver: remote end returned no session id")
	}
	return id, nil
}

func (d *webDriver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	return withContext(ctx, d.wd.Quit)
}

func nonNil(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
