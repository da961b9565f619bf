// Package mocks holds testify mocks shared by package tests.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"capium/driver"
	"capium/report"
)

// -- Driver Mock --

// MockDriver mocks driver.Driver.
type MockDriver struct {
	mock.Mock
}

var _ driver.Driver = (*MockDriver)(nil)

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockDriver) ExecuteScript(ctx context.Context, script string, scriptArgs ...any) (any, error) {
	args := m.Called(ctx, script, scriptArgs)
	return args.Get(0), args.Error(1)
}

func (m *MockDriver) ExecuteAsyncScript(ctx context.Context, script string, scriptArgs ...any) (any, error) {
	args := m.Called(ctx, script, scriptArgs)
	return args.Get(0), args.Error(1)
}

func (m *MockDriver) ClickByID(ctx context.Context, id string, timeout time.Duration) error {
	args := m.Called(ctx, id, timeout)
	return args.Error(0)
}

func (m *MockDriver) SetTimeouts(ctx context.Context, t driver.Timeouts) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockDriver) SetWindowSize(ctx context.Context, width, height int) error {
	args := m.Called(ctx, width, height)
	return args.Error(0)
}

func (m *MockDriver) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockDriver) FullPageScreenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockDriver) SessionID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Job Client Mock --

// MockJobClient mocks report.JobClient.
type MockJobClient struct {
	mock.Mock
}

var _ report.JobClient = (*MockJobClient)(nil)

func (m *MockJobClient) UpdateJob(ctx context.Context, sessionID string, job report.Job) error {
	args := m.Called(ctx, sessionID, job)
	return args.Error(0)
}
