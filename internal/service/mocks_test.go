package service

import (
	"context"
	"sync"
	"time"

	"perpbot/internal/models"
)

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	notifications []*models.Notification
	createErr     error
	getErr        error
	nextID        int

	lastTypes []string
	lastLimit int
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{nextID: 1}
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = m.nextID
	m.nextID++
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	m.lastTypes = nil
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	if limit > len(m.notifications) {
		limit = len(m.notifications)
	}
	return m.notifications[:limit], nil
}

func (m *MockNotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.lastTypes = types
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	var result []*models.Notification
	for _, n := range m.notifications {
		if set[n.Type] && len(result) < limit {
			result = append(result, n)
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) KeepRecent(ctx context.Context, keep int) (int64, error) {
	if len(m.notifications) <= keep {
		return 0, nil
	}
	deleted := len(m.notifications) - keep
	m.notifications = m.notifications[deleted:]
	return int64(deleted), nil
}

func (m *MockNotificationRepository) Count(ctx context.Context) (int, error) {
	return len(m.notifications), nil
}

// ============ Mock TradeRepository ============

type MockTradeRepository struct {
	trades    []*models.TradeRecord
	stats     *models.Stats
	createErr error
	statsErr  error
	nextID    int

	lastDayStart time.Time
	lastCutoff   time.Time
	lastLimit    int
}

func NewMockTradeRepository() *MockTradeRepository {
	return &MockTradeRepository{nextID: 1, stats: &models.Stats{ExitsByReason: map[string]int{}}}
}

func (m *MockTradeRepository) Create(ctx context.Context, rec *models.TradeRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	rec.ID = m.nextID
	m.nextID++
	m.trades = append(m.trades, rec)
	return nil
}

func (m *MockTradeRepository) GetRecent(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	m.lastLimit = limit
	if limit > len(m.trades) {
		limit = len(m.trades)
	}
	return m.trades[:limit], nil
}

func (m *MockTradeRepository) GetStats(ctx context.Context, dayStart time.Time) (*models.Stats, error) {
	m.lastDayStart = dayStart
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

func (m *MockTradeRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	m.lastCutoff = timestamp
	return 3, nil
}

// ============ Mock WebSocket Hub ============

type MockBroadcaster struct {
	mu            sync.Mutex
	notifications []*models.Notification
	stats         []*models.Stats
}

func (m *MockBroadcaster) BroadcastNotification(n *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
}

func (m *MockBroadcaster) BroadcastStatsUpdate(stats *models.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, stats)
}
