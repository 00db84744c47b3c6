package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"perpbot/internal/models"
)

// RiskStateRepository - дневное состояние риска (таблица risk_state, одна строка на день)
type RiskStateRepository struct {
	db *sql.DB
}

// NewRiskStateRepository создает новый экземпляр репозитория
func NewRiskStateRepository(db *sql.DB) *RiskStateRepository {
	return &RiskStateRepository{db: db}
}

// GetByDay возвращает состояние дня; nil без ошибки, если записи нет
func (r *RiskStateRepository) GetByDay(ctx context.Context, dayKey string) (*models.RiskState, error) {
	query := `
		SELECT day_key, initial_balance, profit_target_pct, max_loss_pct, consecutive_losses,
		       locked_for_day, lock_reason, realized_pnl_pct, trade_count, updated_at
		FROM risk_state
		WHERE day_key = $1`

	st := &models.RiskState{}
	err := r.db.QueryRowContext(ctx, query, dayKey).Scan(
		&st.DayKey,
		&st.InitialBalance,
		&st.ProfitTargetPct,
		&st.MaxLossPct,
		&st.ConsecutiveLosses,
		&st.LockedForDay,
		&st.LockReason,
		&st.RealizedPnlPct,
		&st.TradeCount,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return st, nil
}

// Upsert создаёт или перезаписывает состояние дня
func (r *RiskStateRepository) Upsert(ctx context.Context, st *models.RiskState) error {
	query := `
		INSERT INTO risk_state (day_key, initial_balance, profit_target_pct, max_loss_pct, consecutive_losses,
		                        locked_for_day, lock_reason, realized_pnl_pct, trade_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (day_key) DO UPDATE SET
			initial_balance = EXCLUDED.initial_balance,
			profit_target_pct = EXCLUDED.profit_target_pct,
			max_loss_pct = EXCLUDED.max_loss_pct,
			consecutive_losses = EXCLUDED.consecutive_losses,
			locked_for_day = EXCLUDED.locked_for_day,
			lock_reason = EXCLUDED.lock_reason,
			realized_pnl_pct = EXCLUDED.realized_pnl_pct,
			trade_count = EXCLUDED.trade_count,
			updated_at = EXCLUDED.updated_at`

	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		st.DayKey,
		st.InitialBalance,
		st.ProfitTargetPct,
		st.MaxLossPct,
		st.ConsecutiveLosses,
		st.LockedForDay,
		st.LockReason,
		st.RealizedPnlPct,
		st.TradeCount,
		st.UpdatedAt,
	)
	return err
}

// DeleteOlderThan удаляет состояния дней до dayKey (формат YYYY-MM-DD сравнивается лексикографически)
func (r *RiskStateRepository) DeleteOlderThan(ctx context.Context, dayKey string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM risk_state WHERE day_key < $1`, dayKey)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
