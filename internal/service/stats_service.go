package service

import (
	"context"
	"time"

	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

// StatsBroadcaster - интерфейс для отправки обновлений статистики через WebSocket
type StatsBroadcaster interface {
	BroadcastStatsUpdate(stats *models.Stats)
}

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
)

// StatsService - журнал сделок и статистика по нему.
//
// Реализует bot.TradeJournal: движок пишет через Create каждое исполнение,
// после закрытий сервис пересчитывает статистику и отправляет statsUpdate.
type StatsService struct {
	repo  TradeRepositoryInterface
	wsHub StatsBroadcaster
	log   *utils.Logger
	now   func() time.Time
}

// NewStatsService создает новый экземпляр StatsService
func NewStatsService(repo TradeRepositoryInterface, log *utils.Logger) *StatsService {
	if log == nil {
		log = utils.L()
	}
	return &StatsService{
		repo: repo,
		log:  log.WithComponent("stats"),
		now:  time.Now,
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast статистики.
func (s *StatsService) SetWebSocketHub(hub StatsBroadcaster) {
	s.wsHub = hub
}

// Create записывает исполнение в журнал; после выхода рассылает свежую статистику
func (s *StatsService) Create(ctx context.Context, rec *models.TradeRecord) error {
	if err := s.repo.Create(ctx, rec); err != nil {
		return err
	}

	if rec.IsExit() && s.wsHub != nil {
		stats, err := s.GetStats(ctx)
		if err != nil {
			s.log.Warn("failed to refresh stats", utils.Err(err))
			return nil
		}
		s.wsHub.BroadcastStatsUpdate(stats)
	}
	return nil
}

// GetStats возвращает агрегаты журнала; "сегодня" считается от локальной полуночи
func (s *StatsService) GetStats(ctx context.Context) (*models.Stats, error) {
	return s.repo.GetStats(ctx, utils.GetDayStartFrom(s.now()))
}

// GetRecentTrades возвращает последние записи журнала (новые первыми)
func (s *StatsService) GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	if limit <= 0 {
		limit = defaultTradesLimit
	}
	if limit > maxTradesLimit {
		limit = maxTradesLimit
	}
	return s.repo.GetRecent(ctx, limit)
}

// CleanupOldTrades удаляет записи старше retention
func (s *StatsService) CleanupOldTrades(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteOlderThan(ctx, s.now().Add(-retention))
}
