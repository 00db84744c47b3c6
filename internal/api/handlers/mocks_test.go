package handlers

import (
	"context"
	"sync"

	"perpbot/internal/models"
)

// ============ Mock BotController ============

type MockBot struct {
	mu         sync.Mutex
	status     models.BotStatus
	closed     bool
	closeErr   error
	closeCalls int
	autoTrade  []bool
}

func (m *MockBot) Status() models.BotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockBot) ForceClose(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.closeErr != nil {
		return false, m.closeErr
	}
	return m.closed, nil
}

func (m *MockBot) SetAutoTrade(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoTrade = append(m.autoTrade, enabled)
}

// ============ Mock StatsService ============

type MockStatsService struct {
	stats     *models.Stats
	trades    []*models.TradeRecord
	err       error
	lastLimit int
}

func (m *MockStatsService) GetStats(ctx context.Context) (*models.Stats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func (m *MockStatsService) GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.trades, nil
}

// ============ Mock NotificationService ============

type MockNotificationService struct {
	notifications []*models.Notification
	err           error
	lastTypes     []string
	lastLimit     int
}

func (m *MockNotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.lastTypes = types
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.notifications, nil
}

// ============ Mock TextSender / RateLimiter ============

type MockSender struct {
	sent []string
	err  error
}

func (m *MockSender) SendText(ctx context.Context, text string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, text)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow() bool { return false }
