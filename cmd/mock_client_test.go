package cmd

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// MockClient implements ClientInterface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) StartSession(ctx context.Context, req config.SessionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockClient) SessionStatus(ctx context.Context, id string) (*supervisor.Status, error) {
	args := m.Called(ctx, id)
	st, _ := args.Get(0).(*supervisor.Status)
	return st, args.Error(1)
}

func (m *MockClient) StopSession(ctx context.Context, id string, wait bool) (*supervisor.Status, error) {
	args := m.Called(ctx, id, wait)
	st, _ := args.Get(0).(*supervisor.Status)
	return st, args.Error(1)
}

func (m *MockClient) ListSessions(ctx context.Context) ([]supervisor.Status, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]supervisor.Status)
	return list, args.Error(1)
}

func (m *MockClient) DaemonStatus(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(map[string]any)
	return st, args.Error(1)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
