package models

import "time"

// Notification представляет уведомление о событии торгового цикла
type Notification struct {
	ID         int                    `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`         // OPEN, CLOSE, PARTIAL, SL, TP, DAILY_LOCK ...
	Severity   string                 `json:"severity" db:"severity"` // info, warn, error
	Instrument string                 `json:"instrument,omitempty" db:"instrument"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeOpen      = "OPEN"       // открытие позиции
	NotificationTypeScaleIn   = "SCALE_IN"   // добор позиции по сигналу той же стороны
	NotificationTypeClose     = "CLOSE"      // полное закрытие
	NotificationTypePartial   = "PARTIAL"    // частичное закрытие (тейк-профит)
	NotificationTypeSL        = "SL"         // стоп (фиксированный, трейлинг, аварийный)
	NotificationTypeTP        = "TP"         // фиксация прибыли
	NotificationTypeDailyLock = "DAILY_LOCK" // входы заблокированы до конца дня
	NotificationTypeSync      = "SYNC"       // позиция закрыта на бирже вне бота
	NotificationTypeError     = "ERROR"      // ошибка API/ордера
	NotificationTypeLifecycle = "LIFECYCLE"  // старт/остановка
	NotificationTypeRelay     = "RELAY"      // внешнее сообщение через relay
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
