package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromeDriver drives a local Chrome over the DevTools protocol.
type chromeDriver struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *zap.Logger

	timeouts      Timeouts
	width, height int
}

func openChrome(ctx context.Context, spec Spec) (Driver, error) {
	logger := spec.Logger
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if !spec.Local.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc

	// Priority: local Chrome, then a Docker container, then chromedp's own lookup.
	if execPath, err := FindChromeExecutable(spec.Local.ChromePath); err == nil {
		logger.Debug("Using local Chrome executable", zap.String("path", execPath))
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, append(opts, chromedp.ExecPath(execPath))...)
	} else if spec.Local.Docker {
		logger.Info("Local Chrome not found, attempting to use Docker Chrome", zap.Error(err))
		dockerURL, derr := StartDockerChrome(ctx, spec.Local.DockerImage, logger)
		if derr != nil {
			logger.Warn("Docker Chrome failed, falling back to default Chrome settings", zap.Error(derr))
			allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
		} else {
			allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, dockerURL)
		}
	} else {
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
	}

	sugar := logger.Sugar()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	// The browser only starts on the first Run.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("driver: start chrome: %w", err)
	}

	return &chromeDriver{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		logger:      logger,
	}, nil
}

// run executes actions on the tab, aborting when ctx ends without closing
// the tab itself.
func (d *chromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *chromeDriver) Navigate(ctx context.Context, url string) error {
	if d.timeouts.PageLoad > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeouts.PageLoad)
		defer cancel()
	}
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *chromeDriver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	expr, err := wrapScript(script, args)
	if err != nil {
		return nil, err
	}
	return d.evaluate(ctx, expr, false)
}

func (d *chromeDriver) ExecuteAsyncScript(ctx context.Context, script string, args ...any) (any, error) {
	expr, err := wrapAsyncScript(script, args)
	if err != nil {
		return nil, err
	}
	if d.timeouts.Script > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeouts.Script)
		defer cancel()
	}
	return d.evaluate(ctx, expr, true)
}

func (d *chromeDriver) evaluate(ctx context.Context, expr string, await bool) (any, error) {
	var raw []byte
	var opts []chromedp.EvaluateOption
	if await {
		opts = append(opts, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		})
	}
	if err := d.run(ctx, chromedp.Evaluate(expr, &raw, opts...)); err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

func (d *chromeDriver) ClickByID(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sel := "#" + id
	if err := d.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("driver: click %s: %w", sel, err)
	}
	return nil
}

// SetTimeouts records the timeouts. DevTools has no session-wide waits, so
// they bound navigation and async scripts instead.
func (d *chromeDriver) SetTimeouts(ctx context.Context, t Timeouts) error {
	d.timeouts = t
	return nil
}

func (d *chromeDriver) SetWindowSize(ctx context.Context, width, height int) error {
	if err := d.run(ctx, emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false)); err != nil {
		return err
	}
	d.width, d.height = width, height
	return nil
}

func (d *chromeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// FullPageScreenshot grows the emulated viewport to the page size, captures,
// then restores the window size.
func (d *chromeDriver) FullPageScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var metrics map[string]any
		if err := chromedp.Evaluate(`({
			width: Math.max(document.body.scrollWidth, document.documentElement.scrollWidth),
			height: Math.max(document.body.scrollHeight, document.documentElement.scrollHeight),
		})`, &metrics).Do(ctx); err != nil {
			return err
		}

		width := int64(toFloat(metrics["width"]))
		height := int64(toFloat(metrics["height"]))
		if err := emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(ctx); err != nil {
			return err
		}
		if err := chromedp.CaptureScreenshot(&buf).Do(ctx); err != nil {
			return err
		}

		if d.width > 0 && d.height > 0 {
			return emulation.SetDeviceMetricsOverride(int64(d.width), int64(d.height), 1, false).Do(ctx)
		}
		return emulation.ClearDeviceMetricsOverride().Do(ctx)
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// SessionID returns the DevTools target id of the tab.
func (d *chromeDriver) SessionID(ctx context.Context) (string, error) {
	c := chromedp.FromContext(d.ctx)
	if c == nil || c.Target == nil {
		return "", fmt.Errorf("driver: chrome tab has no target")
	}
	return string(c.Target.TargetID), nil
}

func (d *chromeDriver) Close() error {
	err := chromedp.Cancel(d.ctx)
	d.cancelTab()
	d.cancelAlloc()
	return err
}
