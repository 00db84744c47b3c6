package bot

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"perpbot/internal/exchange"
	"perpbot/pkg/retry"
	"perpbot/pkg/utils"
)

// RecoveryResult содержит результаты восстановления после перезапуска
type RecoveryResult struct {
	// RiskRestored - дневное состояние текущего дня загружено из хранилища
	RiskRestored bool

	// Adopted - на бирже найдена позиция, бот взял её под управление
	Adopted bool
	Side    string
	Size    decimal.Decimal

	// Errors - некритичные ошибки восстановления
	Errors []error
}

// RecoverPosition восстанавливает состояние после рестарта:
// - дневной RiskState текущего дня (серия убытков, блокировка не сбрасываются рестартом)
// - открытую позицию на бирже (её подхватывают оба цикла)
//
// Ошибка возвращается, только если не удалось прочитать позицию.
func (e *Engine) RecoverPosition(ctx context.Context) (*RecoveryResult, error) {
	res := &RecoveryResult{}
	log := e.log.WithComponent("recovery")

	restored, err := e.governor.Restore(ctx)
	if err != nil {
		log.Warn("failed to restore daily risk state", utils.Err(err))
		res.Errors = append(res.Errors, fmt.Errorf("restore risk state: %w", err))
	}
	res.RiskRestored = restored
	if restored {
		st := e.governor.State()
		log.Info("daily risk state restored",
			utils.String("day", st.DayKey),
			utils.Int("consecutive_losses", st.ConsecutiveLosses),
			utils.Bool("locked", st.LockedForDay))
		UpdateRiskMetrics(st.LockedForDay, st.ConsecutiveLosses)
	}

	readRetry := retry.ReadConfig()
	pos, err := retry.DoWithResult(ctx, func() (*exchange.Position, error) {
		return e.orders.FetchPosition(ctx)
	}, readRetry)
	if err != nil {
		return res, fmt.Errorf("fetch position: %w", err)
	}
	if pos == nil {
		log.Info("no open position on exchange")
		return res, nil
	}

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	if e.position.Snapshot().IsOpen() {
		e.reconcileWithLocked(ctx, pos, "recovery")
		return res, nil
	}
	e.adoptLocked(pos)

	snap := e.position.Snapshot()
	res.Adopted = snap.IsOpen()
	res.Side = snap.Side
	res.Size = snap.Size
	return res, nil
}
