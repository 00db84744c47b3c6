package handlers

import (
	"net/http"

	"perpbot/internal/models"
	"perpbot/internal/service"
)

// TradeHandler - журнал сделок и статистика
//
// Endpoints:
// - GET /api/v1/trades?limit=50 - последние исполнения
// - GET /api/v1/stats - агрегаты журнала
type TradeHandler struct {
	statsService service.StatsServiceInterface
}

// NewTradeHandler создает новый TradeHandler
func NewTradeHandler(statsService service.StatsServiceInterface) *TradeHandler {
	return &TradeHandler{statsService: statsService}
}

// GetTradesResponse - ответ списка сделок
type GetTradesResponse struct {
	Trades []*models.TradeRecord `json:"trades"`
	Total  int                   `json:"total"`
}

// StatsResponse - статистика с вычисленным win rate
type StatsResponse struct {
	*models.Stats
	WinRate float64 `json:"win_rate"`
}

// GetTrades возвращает последние записи журнала
//
// GET /api/v1/trades
func (h *TradeHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.statsService.GetRecentTrades(r.Context(), parseLimit(r, 50))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "failed to get trades: "+err.Error())
		return
	}
	if trades == nil {
		trades = []*models.TradeRecord{}
	}

	respondWithJSON(w, http.StatusOK, GetTradesResponse{Trades: trades, Total: len(trades)})
}

// GetStats возвращает агрегаты журнала сделок
//
// GET /api/v1/stats
//
// Response 200 OK:
//
//	{
//	  "total_trades": 42,
//	  "total_pnl_pct": 12.4,
//	  "today_trades": 3,
//	  "today_pnl_pct": -0.8,
//	  "wins": 25,
//	  "losses": 17,
//	  "exits_by_reason": {"trailing stop": 11, "fixed stop": 9},
//	  "win_rate": 59.52
//	}
func (h *TradeHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.statsService.GetStats(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "failed to get stats: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, StatsResponse{Stats: stats, WinRate: stats.WinRate()})
}
