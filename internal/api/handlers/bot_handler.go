package handlers

import (
	"context"
	"net/http"
	"time"

	"perpbot/internal/models"
)

// BotController - управление торговым агентом (реализуется bot.Engine)
type BotController interface {
	Status() models.BotStatus
	ForceClose(ctx context.Context) (bool, error)
	SetAutoTrade(enabled bool)
}

// closeTimeout ограничивает ручное закрытие (включая повторы ордера)
const closeTimeout = 60 * time.Second

// BotHandler - операторские команды
//
// Endpoints:
// - GET /api/v1/status - состояние агента
// - POST /api/v1/position/close - закрыть позицию по рынку
// - POST /api/v1/trading/enable - разрешить новые входы
// - POST /api/v1/trading/disable - запретить новые входы (выходы работают)
type BotHandler struct {
	bot BotController
}

// NewBotHandler создает новый BotHandler
func NewBotHandler(bot BotController) *BotHandler {
	return &BotHandler{bot: bot}
}

// ClosePositionResponse - результат ручного закрытия
type ClosePositionResponse struct {
	Closed  bool   `json:"closed"`
	Message string `json:"message"`
}

// GetStatus возвращает снимок агента
func (h *BotHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.bot.Status())
}

// ClosePosition закрывает позицию целиком.
// Отсутствие позиции не ошибка: 200 с closed=false.
func (h *BotHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), closeTimeout)
	defer cancel()

	closed, err := h.bot.ForceClose(ctx)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, CodeUpstream, "close failed: "+err.Error())
		return
	}

	msg := "no open position"
	if closed {
		msg = "position closed"
	}
	respondWithJSON(w, http.StatusOK, ClosePositionResponse{Closed: closed, Message: msg})
}

// EnableTrading разрешает новые входы
func (h *BotHandler) EnableTrading(w http.ResponseWriter, r *http.Request) {
	h.bot.SetAutoTrade(true)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "auto trade enabled"})
}

// DisableTrading запрещает новые входы
func (h *BotHandler) DisableTrading(w http.ResponseWriter, r *http.Request) {
	h.bot.SetAutoTrade(false)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "auto trade disabled"})
}
