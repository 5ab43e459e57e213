package transport

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockRelay implements Relay for testing
type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Relay(ctx context.Context, message []byte) ([]byte, error) {
	args := m.Called(ctx, message)
	var reply []byte
	if v := args.Get(0); v != nil {
		reply = v.([]byte)
	}
	return reply, args.Error(1)
}

// MockLogger implements log.Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Info(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

func (m *MockLogger) Error(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

func (m *MockLogger) Debug(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

func (m *MockLogger) Warn(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

func (m *MockLogger) Panic(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

func (m *MockLogger) Fatal(fields map[string]any, msg string) {
	m.Called(fields, msg)
}

// allowAll lets every level through without expectations.
func (m *MockLogger) allowAll() *MockLogger {
	for _, level := range []string{"Info", "Debug", "Warn", "Error"} {
		m.On(level, mock.Anything, mock.Anything).Maybe()
	}
	return m
}

// testLogger provides a no-op logger for tests that don't need to verify logging
type testLogger struct{}

func (t *testLogger) Info(map[string]any, string)  {}
func (t *testLogger) Error(map[string]any, string) {}
func (t *testLogger) Debug(map[string]any, string) {}
func (t *testLogger) Warn(map[string]any, string)  {}
func (t *testLogger) Panic(map[string]any, string) {}
func (t *testLogger) Fatal(map[string]any, string) {}

// recordingLogger keeps warn messages so concurrent handlers can be checked after the fact.
type recordingLogger struct {
	testLogger
	mu    sync.Mutex
	warns []map[string]any
}

func (r *recordingLogger) Warn(fields map[string]any, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := map[string]any{"msg": msg}
	for k, v := range fields {
		entry[k] = v
	}
	r.warns = append(r.warns, entry)
}

func (r *recordingLogger) warnings() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.warns...)
}
