package service

import (
	"context"
	"time"

	"perpbot/internal/models"
	"perpbot/internal/repository"
)

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	KeepRecent(ctx context.Context, keep int) (int64, error)
	Count(ctx context.Context) (int, error)
}

// TradeRepositoryInterface определяет интерфейс журнала сделок
type TradeRepositoryInterface interface {
	Create(ctx context.Context, rec *models.TradeRecord) error
	GetRecent(ctx context.Context, limit int) ([]*models.TradeRecord, error)
	GetStats(ctx context.Context, dayStart time.Time) (*models.Stats, error)
	DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)
var _ TradeRepositoryInterface = (*repository.TradeRepository)(nil)

// ============ Интерфейсы сервисов для обработчиков API ============

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
}

// StatsServiceInterface определяет интерфейс сервиса статистики
type StatsServiceInterface interface {
	GetStats(ctx context.Context) (*models.Stats, error)
	GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ StatsServiceInterface = (*StatsService)(nil)
