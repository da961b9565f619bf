// Package session builds and configures one browser session per target.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"capium/capability"
	"capium/driver"
)

// ErrSessionBuild marks a session the provider or local browser refused.
var ErrSessionBuild = errors.New("session build failed")

// BuildError is returned by Build and Open. It matches both ErrSessionBuild
// and the underlying cause.
type BuildError struct {
	Target   capability.Target
	Provider capability.Provider
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s on %s: %v", ErrSessionBuild, e.Target, e.Provider, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrSessionBuild, e.Err}
}

// Viewport is the desktop window size used when caps carry none.
type Viewport struct {
	Width  int
	Height int
}

// Options are applied to every session a Manager builds.
type Options struct {
	Timeouts driver.Timeouts
	Viewport Viewport
	Local    driver.LocalOptions
}

// Session is a live browser session for one target.
type Session struct {
	Driver     driver.Driver
	Resolution *capability.Resolution
	// ID is the provider session id; empty when it could not be read.
	ID     string
	Mobile bool

	closeOnce sync.Once
	closeErr  error
}

// Target returns the target the session was built for.
func (s *Session) Target() capability.Target {
	return s.Resolution.Target
}

// Provider returns the provider serving the session.
func (s *Session) Provider() capability.Provider {
	return s.Resolution.Provider
}

// BrowserName is the lowercased browserName capability.
func (s *Session) BrowserName() string {
	return strings.ToLower(s.Resolution.Capabilities.String(capability.KeyBrowserName))
}

// Close quits the driver. Only the first call reaches the driver.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Driver.Close()
	})
	return s.closeErr
}

// Manager opens sessions through an Opener.
type Manager struct {
	open   driver.Opener
	opts   Options
	logger *zap.Logger
}

// NewManager creates a Manager. A nil opener uses driver.Open.
func NewManager(open driver.Opener, opts Options, logger *zap.Logger) *Manager {
	if open == nil {
		open = driver.Open
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{open: open, opts: opts, logger: logger}
}

// Build opens the connection: remote when the resolution has an endpoint,
// local otherwise.
func (m *Manager) Build(ctx context.Context, res *capability.Resolution) (*Session, error) {
	d, err := m.open(ctx, driver.Spec{
		Capabilities: res.Capabilities,
		Endpoint:     res.Endpoint,
		Local:        m.opts.Local,
		Logger:       m.logger.With(zap.String("target", res.Target.String())),
	})
	if err != nil {
		return nil, &BuildError{Target: res.Target, Provider: res.Provider, Err: err}
	}
	return &Session{
		Driver:     d,
		Resolution: res,
		Mobile:     res.Target.IsMobile(),
	}, nil
}

// Configure applies timeouts and, on desktop targets, the window size.
func (m *Manager) Configure(ctx context.Context, s *Session) error {
	if err := s.Driver.SetTimeouts(ctx, m.opts.Timeouts); err != nil {
		return fmt.Errorf("set timeouts: %w", err)
	}
	if s.Mobile {
		return nil
	}

	caps := s.Resolution.Capabilities
	width := caps.Int(capability.KeyWidth, m.opts.Viewport.Width)
	height := caps.Int(capability.KeyHeight, m.opts.Viewport.Height)
	if err := s.Driver.SetWindowSize(ctx, width, height); err != nil {
		return fmt.Errorf("set window size %dx%d: %w", width, height, err)
	}
	return nil
}

// Open builds and configures a session and records its id. A session that
// fails to configure is closed and reported as a BuildError.
func (m *Manager) Open(ctx context.Context, res *capability.Resolution) (*Session, error) {
	s, err := m.Build(ctx, res)
	if err != nil {
		return nil, err
	}

	if err := m.Configure(ctx, s); err != nil {
		if cerr := s.Close(); cerr != nil {
			m.logger.Warn("Failed to close unconfigured session", zap.String("target", res.Target.String()), zap.Error(cerr))
		}
		return nil, &BuildError{Target: res.Target, Provider: res.Provider, Err: err}
	}

	id, err := s.Driver.SessionID(ctx)
	if err != nil {
		m.logger.Warn("Could not read session id, job status will not be reported",
			zap.String("target", res.Target.String()), zap.Error(err))
	} else {
		s.ID = id
	}

	m.logger.Info("Session ready",
		zap.String("target", res.Target.String()),
		zap.String("provider", string(res.Provider)),
		zap.String("session_id", s.ID),
		zap.Bool("mobile", s.Mobile))
	return s, nil
}
