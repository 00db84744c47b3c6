package models

import "time"

// RiskState - дневное состояние риск-менеджмента
//
// Пересоздаётся на первом тике нового календарного дня (DayKey).
// LockedForDay после установки не сбрасывается до смены дня.
type RiskState struct {
	DayKey            string    `json:"day_key" db:"day_key"` // YYYY-MM-DD, локальные часы процесса
	InitialBalance    float64   `json:"initial_balance" db:"initial_balance"`
	ProfitTargetPct   float64   `json:"profit_target_pct" db:"profit_target_pct"`
	MaxLossPct        float64   `json:"max_loss_pct" db:"max_loss_pct"`
	ConsecutiveLosses int       `json:"consecutive_losses" db:"consecutive_losses"`
	LockedForDay      bool      `json:"locked_for_day" db:"locked_for_day"`
	LockReason        string    `json:"lock_reason,omitempty" db:"lock_reason"`
	RealizedPnlPct    float64   `json:"realized_pnl_pct" db:"realized_pnl_pct"`
	TradeCount        int       `json:"trade_count" db:"trade_count"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
