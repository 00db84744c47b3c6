package repository

import (
	"context"
	"database/sql"
	"time"

	"perpbot/internal/models"
)

// TradeRepository - журнал сделок (таблица trades)
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `id, instrument, action, side, size, price, pnl_pct, reason, source, client_order_id, created_at`

// Create записывает исполнение в журнал
func (r *TradeRepository) Create(ctx context.Context, rec *models.TradeRecord) error {
	query := `
		INSERT INTO trades (instrument, action, side, size, price, pnl_pct, reason, source, client_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(ctx, query,
		rec.Instrument,
		rec.Action,
		rec.Side,
		rec.Size,
		rec.Price,
		rec.PnlPct,
		rec.Reason,
		rec.Source,
		rec.ClientOrderID,
		rec.CreatedAt,
	).Scan(&rec.ID)
}

// GetRecent возвращает последние N записей (новые первыми)
func (r *TradeRepository) GetRecent(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY created_at DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// GetSince возвращает записи начиная с from (старые первыми)
func (r *TradeRepository) GetSince(ctx context.Context, from time.Time) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE created_at >= $1 ORDER BY created_at ASC`
	return r.query(ctx, query, from)
}

func (r *TradeRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.TradeRecord
	for rows.Next() {
		rec := &models.TradeRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Instrument,
			&rec.Action,
			&rec.Side,
			&rec.Size,
			&rec.Price,
			&rec.PnlPct,
			&rec.Reason,
			&rec.Source,
			&rec.ClientOrderID,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}

// GetStats считает агрегаты по закрытиям; dayStart - начало текущего дня
func (r *TradeRepository) GetStats(ctx context.Context, dayStart time.Time) (*models.Stats, error) {
	stats := &models.Stats{ExitsByReason: make(map[string]int)}

	totals := `
		SELECT
			COUNT(*),
			COALESCE(SUM(pnl_pct), 0),
			COUNT(*) FILTER (WHERE created_at >= $3),
			COALESCE(SUM(pnl_pct) FILTER (WHERE created_at >= $3), 0),
			COUNT(*) FILTER (WHERE action = $1 AND pnl_pct > 0),
			COUNT(*) FILTER (WHERE action = $1 AND pnl_pct < 0)
		FROM trades
		WHERE action IN ($1, $2)`

	err := r.db.QueryRowContext(ctx, totals, models.TradeActionClose, models.TradeActionPartialClose, dayStart).Scan(
		&stats.TotalTrades,
		&stats.TotalPnlPct,
		&stats.TodayTrades,
		&stats.TodayPnlPct,
		&stats.Wins,
		&stats.Losses,
	)
	if err != nil {
		return nil, err
	}

	// причина до двоеточия: "trailing stop: peak 3.10%, now 2.00%" -> "trailing stop"
	byReason := `
		SELECT split_part(reason, ':', 1) AS kind, COUNT(*)
		FROM trades
		WHERE action = $1
		GROUP BY kind`

	rows, err := r.db.QueryContext(ctx, byReason, models.TradeActionClose)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats.ExitsByReason[kind] = count
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// DeleteOlderThan удаляет записи старше указанной даты
func (r *TradeRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM trades WHERE created_at < $1`, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
