package models

import "time"

// TradeRecord - запись журнала сделок (одно исполнение ордера)
type TradeRecord struct {
	ID            int       `json:"id" db:"id"`
	Instrument    string    `json:"instrument" db:"instrument"`
	Action        string    `json:"action" db:"action"` // open, scale_in, close, partial_close
	Side          string    `json:"side" db:"side"`     // long, short
	Size          string    `json:"size" db:"size"`     // decimal строкой, без потери точности
	Price         string    `json:"price" db:"price"`
	PnlPct        float64   `json:"pnl_pct" db:"pnl_pct"` // доходность на момент закрытия
	Reason        string    `json:"reason" db:"reason"`
	Source        string    `json:"source" db:"source"` // strategy, safety, manual, shutdown
	ClientOrderID string    `json:"client_order_id,omitempty" db:"client_order_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Действия в журнале
const (
	TradeActionOpen         = "open"
	TradeActionScaleIn      = "scale_in"
	TradeActionClose        = "close"
	TradeActionPartialClose = "partial_close"
)

// Источники торговых решений
const (
	SourceStrategy = "strategy"
	SourceSafety   = "safety"
	SourceManual   = "manual"
	SourceShutdown = "shutdown"
)

// IsExit возвращает true для закрывающих действий
func (t TradeRecord) IsExit() bool {
	return t.Action == TradeActionClose || t.Action == TradeActionPartialClose
}
