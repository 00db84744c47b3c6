package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"perpbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTelegramAPI     = "https://api.telegram.org"
	defaultTelegramTimeout = 5 * time.Second
	telegramMaxText        = 4096
)

// ErrTelegramDisabled - не задан токен бота или chat id
var ErrTelegramDisabled = errors.New("telegram is not configured")

// TelegramConfig - параметры Bot API
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string
	Timeout  time.Duration
}

// Telegram отправляет сообщения через Bot API sendMessage
type Telegram struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram создаёт клиент; при пустом токене Enabled() возвращает false
func NewTelegram(cfg TelegramConfig) *Telegram {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTelegramTimeout
	}
	return &Telegram{
		apiBase: apiBase,
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled - настроены ли токен и чат
func (t *Telegram) Enabled() bool {
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) Name() string {
	return "telegram"
}

// Send реализует Sink
func (t *Telegram) Send(ctx context.Context, n *models.Notification) error {
	return t.SendText(ctx, FormatText(n))
}

// SendText отправляет произвольный текст в чат
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if !t.Enabled() {
		return ErrTelegramDisabled
	}
	if len(text) > telegramMaxText {
		text = text[:telegramMaxText]
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(raw, &result)

	if resp.StatusCode >= 400 || !result.OK {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, result.Description)
	}
	return nil
}
