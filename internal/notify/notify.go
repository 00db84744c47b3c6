// Package notify доставляет уведомления торгового ядра во внешние каналы.
//
// Ядро отправляет события через Dispatcher.Notify, который никогда не блокирует:
// доставка идёт в отдельной горутине, ошибки каналов логируются и не возвращаются в ядро.
package notify

import (
	"context"
	"fmt"
	"strings"

	"perpbot/internal/models"
)

// Sink - канал доставки уведомлений (Telegram, журнал в БД + WebSocket)
type Sink interface {
	Name() string
	Send(ctx context.Context, n *models.Notification) error
}

// FormatText форматирует уведомление в одну строку для мессенджеров
func FormatText(n *models.Notification) string {
	var b strings.Builder
	switch n.Severity {
	case models.SeverityError:
		b.WriteString("🚨 ")
	case models.SeverityWarn:
		b.WriteString("⚠️ ")
	}
	b.WriteString("[")
	b.WriteString(n.Type)
	b.WriteString("]")
	if n.Instrument != "" {
		b.WriteString(" ")
		b.WriteString(n.Instrument)
	}
	b.WriteString(": ")
	b.WriteString(n.Message)
	return b.String()
}

// SinkError - ошибка доставки в конкретный канал
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
