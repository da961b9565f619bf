package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tebeka/selenium"
	"go.uber.org/zap/zaptest"
)

// stalledHub is a WebDriver whose hub accepts requests and never answers.
// Methods it does not override panic through the nil embedded interface.
type stalledHub struct {
	selenium.WebDriver
	release chan struct{}
}

func (h *stalledHub) wait() error {
	<-h.release
	return nil
}

func (h *stalledHub) SetImplicitWaitTimeout(time.Duration) error { return h.wait() }
func (h *stalledHub) SetAsyncScriptTimeout(time.Duration) error  { return h.wait() }
func (h *stalledHub) SetPageLoadTimeout(time.Duration) error     { return h.wait() }
func (h *stalledHub) CurrentWindowHandle() (string, error)       { return "main", h.wait() }
func (h *stalledHub) ResizeWindow(name string, w, ht int) error  { return h.wait() }

func newStalledDriver(t *testing.T) *webDriver {
	t.Helper()
	hub := &stalledHub{release: make(chan struct{})}
	t.Cleanup(func() { close(hub.release) })
	return &webDriver{wd: hub, logger: zaptest.NewLogger(t)}
}

func TestWebDriverConfigureHonorsContext(t *testing.T) {
	tests := []struct {
		name string
		call func(ctx context.Context, d *webDriver) error
	}{
		{"set timeouts", func(ctx context.Context, d *webDriver) error {
			return d.SetTimeouts(ctx, Timeouts{Implicit: time.Hour, Script: time.Hour, PageLoad: time.Hour})
		}},
		{"set window size", func(ctx context.Context, d *webDriver) error {
			return d.SetWindowSize(ctx, 1200, 800)
		}},
		{"click by id", func(ctx context.Context, d *webDriver) error {
			return d.ClickByID(ctx, "ignoreWarning", time.Hour)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newStalledDriver(t)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			err := tt.call(ctx, d)
			require.Error(t, err)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}
