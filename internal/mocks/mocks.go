// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-render/internal/browser/navigation"
	"github.com/xkilldash9x/scalpel-render/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) RateLimit() config.RateLimitConfig {
	args := m.Called()
	return args.Get(0).(config.RateLimitConfig)
}

func (m *MockConfig) Cache() config.CacheConfig {
	args := m.Called()
	return args.Get(0).(config.CacheConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Navigation() config.NavigationConfig {
	args := m.Called()
	return args.Get(0).(config.NavigationConfig)
}

func (m *MockConfig) Capture() config.CaptureConfig {
	args := m.Called()
	return args.Get(0).(config.CaptureConfig)
}

func (m *MockConfig) RequestLog() config.RequestLogConfig {
	args := m.Called()
	return args.Get(0).(config.RequestLogConfig)
}

// -- Page Mock --

// MockPage mocks navigation.Page.
type MockPage struct {
	mock.Mock
}

var _ navigation.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockPage) NavigatePost(ctx context.Context, url, body string) error {
	args := m.Called(ctx, url, body)
	return args.Error(0)
}

func (m *MockPage) WaitDOMContentLoaded(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPage) WaitNetworkIdle(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPage) WaitLoad(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPage) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) MetaDescription(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) DismissBanner(ctx context.Context, selectors, texts []string) (bool, error) {
	args := m.Called(ctx, selectors, texts)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Scroll(ctx context.Context, step int, delay time.Duration) error {
	args := m.Called(ctx, step, delay)
	return args.Error(0)
}

// BlockUntilDone makes a mocked call wait for its context, as a stuck page would.
func BlockUntilDone(args mock.Arguments) {
	ctx := args.Get(0).(context.Context)
	<-ctx.Done()
}
