package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"perpbot/pkg/crypto"
)

// TextSender - доставка произвольного текста (реализуется notify.Telegram)
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// RateLimiter - ограничитель частоты запросов (реализуется ratelimit.RateLimiter)
type RateLimiter interface {
	Allow() bool
}

const maxRelayBody = 8 << 10

// RelayHandler пересылает текст внешних систем в Telegram
//
// POST /api/v1/relay/send {"key": "...", "text": "..."}
//
// Ключ в конфигурации может быть открытым текстом или bcrypt хешем.
// Пустой ключ в конфигурации отключает relay (все запросы 401).
type RelayHandler struct {
	key     string
	sender  TextSender
	limiter RateLimiter
}

// NewRelayHandler создает RelayHandler; limiter может быть nil
func NewRelayHandler(key string, sender TextSender, limiter RateLimiter) *RelayHandler {
	return &RelayHandler{key: key, sender: sender, limiter: limiter}
}

// RelayRequest - тело запроса relay
type RelayRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Send проверяет ключ и пересылает текст
//
// HTTP коды:
// - 200 OK: отправлено
// - 400 Bad Request: некорректный JSON или пустой text
// - 401 Unauthorized: неверный ключ
// - 429 Too Many Requests: превышена частота
// - 502 Bad Gateway: Telegram вернул ошибку
func (h *RelayHandler) Send(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		respondWithError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
		return
	}

	var req RelayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRelayBody)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	if !h.keyMatches(req.Key) {
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "missing text")
		return
	}

	if err := h.sender.SendText(r.Context(), text); err != nil {
		respondWithError(w, http.StatusBadGateway, CodeUpstream, "telegram delivery failed: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "sent"})
}

func (h *RelayHandler) keyMatches(got string) bool {
	if h.key == "" || got == "" {
		return false
	}
	if crypto.IsBcryptHash(h.key) {
		return crypto.SecretMatches(got, h.key)
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.key)) == 1
}
