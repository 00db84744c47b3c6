package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange - узкий контракт торгового ядра с биржей (бессрочные контракты, одна позиция на инструмент)
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// GetPrice получает последнюю цену инструмента
	GetPrice(ctx context.Context, instrument string) (decimal.Decimal, error)

	// GetCandles получает свечи, отсортированные от новой к старой
	GetCandles(ctx context.Context, instrument, bar string, limit int) ([]Candle, error)

	// GetPosition получает открытую позицию; nil если позиции нет
	GetPosition(ctx context.Context, instrument string) (*Position, error)

	// PlaceMarketOrder размещает рыночный ордер
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// ClosePosition закрывает позицию целиком; отсутствие позиции - успех
	ClosePosition(ctx context.Context, instrument, posSide string) error

	// GetBalance получает доступный баланс; ErrBalanceUnavailable если баланс неизвестен
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)

	// Close освобождает ресурсы клиента
	Close() error
}

// Candle - свеча OHLCV
type Candle struct {
	Timestamp int64           `json:"ts"` // время открытия, мс Unix
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Confirmed bool            `json:"confirmed"` // свеча закрыта
}

// OpenTime возвращает время открытия свечи
func (c Candle) OpenTime() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// TakerVolume - объёмы рыночных (taker) покупок и продаж за период
type TakerVolume struct {
	Timestamp  int64           `json:"ts"` // время начала периода, мс Unix
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
}

// TakerVolumeSource - необязательная возможность биржи: статистика taker объёмов по периодам
type TakerVolumeSource interface {
	// GetTakerVolume возвращает статистику от нового периода к старому
	GetTakerVolume(ctx context.Context, instrument, period string, limit int) ([]TakerVolume, error)
}

// Position - открытая позиция на бирже
type Position struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"` // "long" или "short"
	Size       decimal.Decimal `json:"size"` // в контрактах, всегда > 0
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Leverage   int             `json:"leverage"`

	// UnrealizedPnlPct - движение цены от входа в процентах, без плеча
	UnrealizedPnlPct float64 `json:"unrealized_pnl_pct"`
	// MarginPnlPct - доходность на маржу (uplRatio биржи * 100)
	MarginPnlPct float64   `json:"margin_pnl_pct"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OrderRequest - параметры рыночного ордера
type OrderRequest struct {
	Instrument    string
	Side          string // buy, sell
	PosSide       string // long, short
	Size          decimal.Decimal
	ClientOrderID string // идемпотентность повторов: один ID на одно намерение
	ReduceOnly    bool
}

// Order - результат размещения ордера
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	PosSide       string          `json:"pos_side"`
	Size          decimal.Decimal `json:"size"`
	AvgPrice      decimal.Decimal `json:"avg_price"` // может быть нулём, если биржа не вернула цену
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ErrBalanceUnavailable - баланс не получен (нет валюты в ответе или ошибка API)
var ErrBalanceUnavailable = errors.New("balance unavailable")

// ErrTakerVolumeUnavailable - источник рыночных данных не отдаёт taker статистику
var ErrTakerVolumeUnavailable = errors.New("taker volume unavailable")

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange   string
	Code       string
	Message    string
	HTTPStatus int
	Original   error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Temporary - повторяемые ошибки: rate limit, 5xx, сетевые
func (e *ExchangeError) Temporary() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus >= 500 || e.Code == codeRateLimited || e.Code == codeSystemBusy
}

// Retryable - для retry.IsRetryable: отказы биржи по бизнес-причине не повторяем
func (e *ExchangeError) Retryable() bool {
	return e.Temporary()
}

// Side constants for orders
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)

// Side constants for positions
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order status constants
const (
	OrderStatusFilled   = "filled"
	OrderStatusAccepted = "accepted"
	OrderStatusRejected = "rejected"
)

// OpenSide возвращает сторону ордера для открытия позиции posSide
func OpenSide(posSide string) string {
	if posSide == SideShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide возвращает сторону ордера для сокращения позиции posSide
func CloseSide(posSide string) string {
	if posSide == SideShort {
		return SideBuy
	}
	return SideSell
}
