package models

// Stats - агрегированная статистика журнала сделок
type Stats struct {
	TotalTrades   int            `json:"total_trades"`
	TotalPnlPct   float64        `json:"total_pnl_pct"`
	TodayTrades   int            `json:"today_trades"`
	TodayPnlPct   float64        `json:"today_pnl_pct"`
	Wins          int            `json:"wins"`
	Losses        int            `json:"losses"`
	ExitsByReason map[string]int `json:"exits_by_reason"`
}

// WinRate возвращает долю прибыльных закрытий в процентах
func (s Stats) WinRate() float64 {
	closed := s.Wins + s.Losses
	if closed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(closed) * 100
}
