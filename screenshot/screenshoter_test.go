package screenshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"capium/capability"
	"capium/config"
	"capium/metrics"
	"capium/mocks"
	"capium/session"
)

var fakePNG = []byte("\x89PNG fake")

func newTestScreenshoter(t *testing.T, rec *metrics.Recorder) (*Screenshoter, string) {
	t.Helper()
	out := t.TempDir()
	return NewScreenshoter(Options{
		OutputDir:      out,
		UnbindTimeout:  50 * time.Millisecond,
		UnbindPoll:     5 * time.Millisecond,
		DismissTimeout: 10 * time.Second,
		Settle:         time.Millisecond,
	}, zaptest.NewLogger(t), rec), out
}

func newTestSession(d *mocks.MockDriver, provider capability.Provider, browser, os, browserName string) *session.Session {
	target := capability.Target{Browser: browser, OS: os}
	return &session.Session{
		Driver: d,
		ID:     "session-1",
		Mobile: target.IsMobile(),
		Resolution: &capability.Resolution{
			Target:       target,
			Provider:     provider,
			Capabilities: capability.Set{"browserName": browserName},
		},
	}
}

// expectReady sets up a page that is immediately ready for unbinding.
func expectReady(d *mocks.MockDriver) {
	d.On("ExecuteScript", mock.Anything, waitUnbindScript, []any{jquerySelector}).Return(true, nil)
	d.On("ExecuteScript", mock.Anything, unbindScript, mock.Anything).Return(true, nil)
}

func TestCaptureChromeWindowsFullPage(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/").Return(nil).Once()
	expectReady(d)
	d.On("FullPageScreenshot", mock.Anything).Return(fakePNG, nil).Once()

	rec := metrics.NewRecorder()
	s, out := newTestScreenshoter(t, rec)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	res := s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com/"})
	require.True(t, res.OK(), "unexpected failure: %v", res.Err)

	want := filepath.Join(out, "windows", "chrome", "example.com_.png")
	assert.Equal(t, want, res.Path)
	assert.True(t, res.FullPage)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, fakePNG, data)

	d.AssertExpectations(t)
	d.AssertNotCalled(t, "Screenshot", mock.Anything)

	n, err := testutil.GatherAndCount(rec.Registry(), "capium_capture_pages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCaptureSafariIOSFullPageWithBasicAuth(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://u:p@intranet.example.com/login").Return(nil).Once()
	expectReady(d)
	d.On("FullPageScreenshot", mock.Anything).Return(fakePNG, nil).Once()

	s, out := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.SauceLabs, "safari", "ios", "safari")

	res := s.CapturePage(context.Background(), sess, config.Page{
		URL:       "http://intranet.example.com/login",
		BasicAuth: &config.BasicAuth{User: "u", Key: "p"},
	})
	require.True(t, res.OK(), "unexpected failure: %v", res.Err)
	assert.True(t, res.FullPage)
	assert.Equal(t, filepath.Join(out, "ios", "safari", "intranet.example.com_login.png"), res.Path)

	// Cloud sessions never wait for the local credentials warning.
	d.AssertNotCalled(t, "ClickByID", mock.Anything, mock.Anything, mock.Anything)
	d.AssertExpectations(t)
}

func TestCaptureCloudMobileUsesRequestedBrowser(t *testing.T) {
	resolver, err := capability.DefaultResolver()
	require.NoError(t, err)
	creds := capability.Set{"browserstack.user": "bs-user", "browserstack.key": "bs-key"}

	tests := []struct {
		target capability.Target
		name   string
	}{
		{target: capability.Target{Browser: "safari", OS: "ios"}, name: "iphone"},
		{target: capability.Target{Browser: "chrome", OS: "android"}, name: "android"},
	}
	for _, tt := range tests {
		t.Run(tt.target.String(), func(t *testing.T) {
			res, err := resolver.Resolve(tt.target, "auto", creds)
			require.NoError(t, err)
			require.Equal(t, capability.BrowserStack, res.Provider)

			d := new(mocks.MockDriver)
			d.On("Navigate", mock.Anything, "http://example.com").Return(nil).Once()
			expectReady(d)
			d.On("FullPageScreenshot", mock.Anything).Return(fakePNG, nil).Once()

			s, out := newTestScreenshoter(t, nil)
			sess := &session.Session{Driver: d, ID: "bs-1", Mobile: tt.target.IsMobile(), Resolution: res}
			// The provider renames the browser; the capture rules go by the request.
			require.Equal(t, tt.name, sess.BrowserName())

			result := s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com"})
			require.True(t, result.OK(), "unexpected failure: %v", result.Err)
			assert.True(t, result.FullPage)
			assert.Equal(t, filepath.Join(out, tt.target.OS, tt.target.Browser, "example.com_.png"), result.Path)
			d.AssertNotCalled(t, "Screenshot", mock.Anything)
			d.AssertExpectations(t)
		})
	}
}

func TestCaptureUnbindTimeoutWritesNothing(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/slow").Return(nil).Once()
	d.On("ExecuteScript", mock.Anything, waitUnbindScript, []any{jquerySelector}).Return(false, nil)

	s, out := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	res := s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com/slow"})
	assert.Equal(t, FailureUnbindTimeout, res.Kind)
	assert.ErrorIs(t, res.Err, ErrUnbindTimeout)
	assert.Empty(t, res.Path)
	assert.NoFileExists(t, filepath.Join(out, "windows", "chrome", "example.com_slow.png"))

	d.AssertNotCalled(t, "ExecuteScript", mock.Anything, unbindScript, mock.Anything)
	d.AssertNotCalled(t, "FullPageScreenshot", mock.Anything)
	assert.Greater(t, len(d.Calls), 2, "readiness is polled more than once")
}

func TestCaptureUnbindTimeoutBoundsBlockedProbe(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/hung").Return(nil).Once()
	d.On("ExecuteScript", mock.Anything, waitUnbindScript, []any{jquerySelector}).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	done := make(chan Result, 1)
	go func() {
		done <- s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com/hung"})
	}()

	select {
	case res := <-done:
		assert.Equal(t, FailureUnbindTimeout, res.Kind)
		assert.ErrorIs(t, res.Err, ErrUnbindTimeout)
		assert.Empty(t, res.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("readiness probe was not bounded by the unbind timeout")
	}
	d.AssertNotCalled(t, "FullPageScreenshot", mock.Anything)
}

func TestCaptureUnbindRecoversFromTransientScriptErrors(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/").Return(nil).Once()
	d.On("ExecuteScript", mock.Anything, waitUnbindScript, []any{jquerySelector}).Return(nil, errors.New("document unloaded")).Once()
	d.On("ExecuteScript", mock.Anything, waitUnbindScript, []any{jquerySelector}).Return(false, nil).Once()
	expectReady(d)
	d.On("FullPageScreenshot", mock.Anything).Return(fakePNG, nil).Once()

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "firefox", "linux", "firefox")

	res := s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com/"})
	assert.True(t, res.OK(), "unexpected failure: %v", res.Err)
}

func TestCaptureLocalSafariDismissesWarning(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://u:p@host/").Return(nil).Once()
	d.On("ClickByID", mock.Anything, "ignoreWarning", 10*time.Second).Return(nil).Once()
	expectReady(d)
	d.On("Screenshot", mock.Anything).Return(fakePNG, nil).Once()

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "safari", "mac", "safari")

	res := s.CapturePage(context.Background(), sess, config.Page{URL: "http://u:p@host/"})
	require.True(t, res.OK(), "unexpected failure: %v", res.Err)
	assert.False(t, res.FullPage, "desktop safari captures the viewport")
	assert.NoError(t, res.Warning)
	d.AssertExpectations(t)
}

func TestCaptureWarningDismissFailureContinues(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://u:p@host/").Return(nil).Once()
	d.On("ClickByID", mock.Anything, "ignoreWarning", 10*time.Second).Return(errors.New("no such element")).Once()
	expectReady(d)
	d.On("Screenshot", mock.Anything).Return(fakePNG, nil).Once()

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "safari", "mac", "safari")

	res := s.CapturePage(context.Background(), sess, config.Page{
		URL:       "http://host/",
		BasicAuth: &config.BasicAuth{User: "u", Key: "p"},
	})
	assert.True(t, res.OK(), "unexpected failure: %v", res.Err)
	assert.ErrorIs(t, res.Warning, ErrWarningDismiss)
	d.AssertExpectations(t)
}

func TestCaptureRunsPageScripts(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/").Return(nil).Once()
	expectReady(d)
	d.On("ExecuteScript", mock.Anything, "return document.title;", mock.Anything).Return("Example", nil).Once()
	d.On("ExecuteAsyncScript", mock.Anything, "arguments[0](42);", mock.Anything).Return(float64(42), nil).Once()
	d.On("FullPageScreenshot", mock.Anything).Return(fakePNG, nil).Once()

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	res := s.CapturePage(context.Background(), sess, config.Page{
		URL:         "http://example.com/",
		Script:      "return document.title;",
		AsyncScript: "arguments[0](42);",
		Delay:       time.Millisecond,
	})
	assert.True(t, res.OK(), "unexpected failure: %v", res.Err)
	d.AssertExpectations(t)
}

func TestCaptureScriptFailure(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://example.com/").Return(nil).Once()
	expectReady(d)
	d.On("ExecuteScript", mock.Anything, "throw 1;", mock.Anything).Return(nil, errors.New("javascript error")).Once()

	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	res := s.CapturePage(context.Background(), sess, config.Page{URL: "http://example.com/", Script: "throw 1;"})
	assert.Equal(t, FailureScript, res.Kind)
	d.AssertNotCalled(t, "FullPageScreenshot", mock.Anything)
}

func TestCapturePagesContinuesPastFailures(t *testing.T) {
	d := new(mocks.MockDriver)
	d.On("Navigate", mock.Anything, "http://down.example.com/").Return(errors.New("net::ERR_NAME_NOT_RESOLVED")).Once()
	d.On("Navigate", mock.Anything, "http://example.com/").Return(nil).Once()
	expectReady(d)
	d.On("Screenshot", mock.Anything).Return(nil, errors.New("screenshot failed")).Once()

	s, _ := newTestScreenshoter(t, nil)
	// Edge on desktop takes a viewport screenshot.
	sess := newTestSession(d, capability.Local, "edge", "windows", "MicrosoftEdge")

	results := s.CapturePages(context.Background(), sess, []config.Page{
		{URL: "http://down.example.com/"},
		{URL: "http://example.com/"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, FailureNavigation, results[0].Kind)
	assert.Equal(t, FailureScreenshot, results[1].Kind)
	d.AssertExpectations(t)
}

func TestCapturePagesCanceled(t *testing.T) {
	d := new(mocks.MockDriver)
	s, _ := newTestScreenshoter(t, nil)
	sess := newTestSession(d, capability.Local, "chrome", "windows", "chrome")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := s.CapturePages(ctx, sess, []config.Page{{URL: "http://a.com/"}, {URL: "http://b.com/"}})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, FailureCanceled, r.Kind)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	d.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything)
}
