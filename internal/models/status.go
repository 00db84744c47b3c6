package models

import "time"

// PositionView - снимок позиции для API и WebSocket
type PositionView struct {
	Side          string     `json:"side"` // none, long, short
	Size          string     `json:"size"`
	EntryPrice    string     `json:"entry_price"`
	MarkPrice     string     `json:"mark_price"`
	ProfitPct     float64    `json:"profit_pct"`
	PeakProfitPct float64    `json:"peak_profit_pct"`
	BarsHeld      int        `json:"bars_held"`
	TPLevelsTaken int        `json:"tp_levels_taken"`
	ScaleIns      int        `json:"scale_ins"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

// BotStatus - состояние агента целиком
type BotStatus struct {
	Instrument    string       `json:"instrument"`
	Exchange      string       `json:"exchange"`
	Feed          string       `json:"feed"`
	LoopState     string       `json:"loop_state"`
	LoopStateInfo string       `json:"loop_state_info"`
	Busy          bool         `json:"busy"` // цикл стратегии обрабатывает свечу
	AutoTrade     bool         `json:"auto_trade"`
	Running       bool         `json:"running"`
	Position      PositionView `json:"position"`
	Risk          RiskState    `json:"risk"`
	LastSignal    string       `json:"last_signal"`
	LastCandleTS  int64        `json:"last_candle_ts"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
