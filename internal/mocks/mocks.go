// Package mocks holds testify mocks for the interfaces components accept.
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
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

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Runs() config.RunsConfig {
	args := m.Called()
	return args.Get(0).(config.RunsConfig)
}

func (m *MockConfig) Vault() config.VaultConfig {
	args := m.Called()
	return args.Get(0).(config.VaultConfig)
}

func (m *MockConfig) Learning() config.LearningConfig {
	args := m.Called()
	return args.Get(0).(config.LearningConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Notify() config.NotifyConfig {
	args := m.Called()
	return args.Get(0).(config.NotifyConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Network() config.NetworkConfig {
	args := m.Called()
	return args.Get(0).(config.NetworkConfig)
}

func (m *MockConfig) Maintenance() config.MaintenanceConfig {
	args := m.Called()
	return args.Get(0).(config.MaintenanceConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(n int) { m.Called(n) }
func (m *MockConfig) SetServerAddr(addr string)        { m.Called(addr) }
func (m *MockConfig) SetDatabaseDriver(driver string)  { m.Called(driver) }

// -- Engine Mock --

// MockEngine mocks schemas.Engine.
type MockEngine struct {
	mock.Mock
}

var _ schemas.Engine = (*MockEngine)(nil)

func (m *MockEngine) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockEngine) Attempt(ctx context.Context, target string, session *schemas.SessionMaterial) (*schemas.EngineResult, error) {
	args := m.Called(ctx, target, session)
	var res *schemas.EngineResult
	if r := args.Get(0); r != nil {
		res = r.(*schemas.EngineResult)
	}
	return res, args.Error(1)
}

// -- Dispatcher Mock --

// MockDispatcher mocks schemas.Dispatcher.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(runID string) error {
	args := m.Called(runID)
	return args.Error(0)
}

// -- Resumer Mock --

// MockResumer mocks schemas.Resumer.
type MockResumer struct {
	mock.Mock
}

func (m *MockResumer) Resume(ctx context.Context, runID, interventionID string) error {
	args := m.Called(ctx, runID, interventionID)
	return args.Error(0)
}

// -- Event Publisher --

// RecordingPublisher implements schemas.EventPublisher by keeping every
// event in order. It is safe for concurrent use.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (p *RecordingPublisher) Publish(evt schemas.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []schemas.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.Event(nil), p.events...)
}

// Types returns the type of every published event, in order.
func (p *RecordingPublisher) Types() []schemas.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of type t were published.
func (p *RecordingPublisher) Count(t schemas.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
