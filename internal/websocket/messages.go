package websocket

import (
	"time"

	"perpbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeStatus - снимок состояния агента (позиция, риск, цикл)
	// Отправляется периодически, пока агент запущен
	MessageTypeStatus MessageType = "status"

	// MessageTypeNotification - новое уведомление
	// Отправляется при событиях: открытие, закрытие, стопы, блокировка дня, ошибки
	MessageTypeNotification MessageType = "notification"

	// MessageTypeStatsUpdate - обновление статистики журнала сделок
	MessageTypeStatsUpdate MessageType = "statsUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage - сообщение с состоянием агента
type StatusMessage struct {
	BaseMessage
	Data *models.BotStatus `json:"data"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	// ID уведомления в БД (0, если журнал отключен)
	ID int `json:"id"`

	// Тип уведомления (OPEN, CLOSE, PARTIAL, SL, TP, DAILY_LOCK, SYNC, ERROR ...)
	Type string `json:"type"`

	// Уровень важности (info, warn, error)
	Severity string `json:"severity"`

	Instrument string `json:"instrument,omitempty"`

	Message string `json:"message"`

	// Дополнительные метаданные (цены, P&L, причина выхода)
	Meta map[string]interface{} `json:"meta,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// StatsUpdateMessage - сообщение об обновлении статистики
//
// Отправляется после каждого закрытия
type StatsUpdateMessage struct {
	BaseMessage
	Data *StatsUpdateData `json:"data"`
}

// StatsUpdateData - данные статистики
type StatsUpdateData struct {
	TotalTrades   int            `json:"total_trades"`
	TotalPnlPct   float64        `json:"total_pnl_pct"`
	TodayTrades   int            `json:"today_trades"`
	TodayPnlPct   float64        `json:"today_pnl_pct"`
	WinRate       float64        `json:"win_rate"`
	ExitsByReason map[string]int `json:"exits_by_reason,omitempty"`
}

// ============ Фабричные функции для создания сообщений ============

// NewStatusMessage создает сообщение состояния
func NewStatusMessage(status *models.BotStatus) *StatusMessage {
	return &StatusMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatus,
			Timestamp: time.Now(),
		},
		Data: status,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &NotificationData{
			ID:         notif.ID,
			Type:       notif.Type,
			Severity:   notif.Severity,
			Instrument: notif.Instrument,
			Message:    notif.Message,
			Meta:       notif.Meta,
			Timestamp:  notif.Timestamp,
		},
	}
}

// NewStatsUpdateMessage создает сообщение обновления статистики
func NewStatsUpdateMessage(stats *models.Stats) *StatsUpdateMessage {
	return &StatsUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatsUpdate,
			Timestamp: time.Now(),
		},
		Data: &StatsUpdateData{
			TotalTrades:   stats.TotalTrades,
			TotalPnlPct:   stats.TotalPnlPct,
			TodayTrades:   stats.TodayTrades,
			TodayPnlPct:   stats.TodayPnlPct,
			WinRate:       stats.WinRate(),
			ExitsByReason: stats.ExitsByReason,
		},
	}
}
