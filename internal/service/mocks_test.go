package service

import (
	"context"
	"sync"
	"time"

	"marketplace-ratelimiter/internal/domain"

	"github.com/stretchr/testify/mock"
)

// MockStorage é um mock do RateLimiterStorage para testes
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	args := m.Called(ctx, key, now)
	return args.Get(0).(domain.Counts), args.Error(1)
}

func (m *MockStorage) IncrementCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	args := m.Called(ctx, key, now)
	return args.Get(0).(domain.Counts), args.Error(1)
}

func (m *MockStorage) ResetCounts(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	return m.Called(ctx, identifier, identifierType).Error(0)
}

func (m *MockStorage) PurgeCounters(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) GetBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) (*domain.Block, error) {
	args := m.Called(ctx, identifier, identifierType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Block), args.Error(1)
}

func (m *MockStorage) PutBlock(ctx context.Context, block domain.Block) error {
	return m.Called(ctx, block).Error(0)
}

func (m *MockStorage) DeleteBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	return m.Called(ctx, identifier, identifierType).Error(0)
}

func (m *MockStorage) PurgeBlocks(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) AppendViolation(ctx context.Context, violation domain.Violation) error {
	return m.Called(ctx, violation).Error(0)
}

func (m *MockStorage) CountViolations(ctx context.Context, identifier string, identifierType domain.IdentifierType, since time.Time) (int, error) {
	args := m.Called(ctx, identifier, identifierType, since)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Violation), args.Error(1)
}

func (m *MockStorage) PurgeViolations(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) ListConfigs(ctx context.Context) ([]domain.RateLimitConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RateLimitConfig), args.Error(1)
}

func (m *MockStorage) UpsertConfig(ctx context.Context, config domain.RateLimitConfig) error {
	return m.Called(ctx, config).Error(0)
}

func (m *MockStorage) Health(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStorage) Close() error {
	return m.Called().Error(0)
}

// MockLogger é um mock do Logger para testes
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	return m
}

// newQuietLogger aceita qualquer chamada de log
func newQuietLogger() *MockLogger {
	l := new(MockLogger)
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything, mock.Anything).Maybe()
	return l
}

// fakeClock é um relógio controlado pelos testes
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mockAnyTime() interface{} {
	return mock.AnythingOfType("time.Time")
}

func mockAnyCtx() interface{} {
	return mock.Anything
}
