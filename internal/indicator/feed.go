// Package indicator вычисляет торговые сигналы по закрытым свечам.
//
// Ядро бота не зависит от того, как получен сигнал: ему нужен только Feed.Evaluate.
package indicator

import (
	"fmt"

	"perpbot/internal/exchange"
)

// Signal - торговый сигнал, не более одного нового значения на свечу
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return "none"
	}
}

// PositionSide возвращает сторону позиции, которую открывает сигнал ("" для SignalNone)
func (s Signal) PositionSide() string {
	switch s {
	case SignalBuy:
		return exchange.SideLong
	case SignalSell:
		return exchange.SideShort
	default:
		return ""
	}
}

// Feed - источник сигналов
type Feed interface {
	// Name возвращает имя стратегии для логов и статуса
	Name() string

	// Evaluate вычисляет сигнал по свечам (от новой к старой).
	// Незакрытые свечи игнорируются, поэтому одна и та же закрытая свеча всегда даёт один сигнал.
	Evaluate(candles []exchange.Candle) Signal
}

// TakerFeed - feed, подтверждающий сигнал объёмами taker покупок и продаж
type TakerFeed interface {
	Feed
	EvaluateTaker(candles []exchange.Candle, taker []exchange.TakerVolume) Signal
}

// ExitAdvisor - feed с собственным условием выхода из открытой позиции
type ExitAdvisor interface {
	// ExitSignal вызывается раз на закрытую свечу после оценки сигнала; side - сторона позиции или "none"
	ExitSignal(side string) (exit bool, reason string)
}

// New создаёт feed по имени из конфигурации
func New(name string, cfg Config) (Feed, error) {
	switch name {
	case "supertrend":
		return NewSupertrendFeed(cfg.SupertrendPeriod, cfg.SupertrendMultiplier), nil
	case "rsi":
		return NewRSIFeed(RSIConfig{
			Period:     cfg.RSIPeriod,
			Oversold:   cfg.RSIOversold,
			Overbought: cfg.RSIOverbought,
			LongStop:   cfg.RSILongStop,
			ShortStop:  cfg.RSIShortStop,
		}), nil
	default:
		return nil, fmt.Errorf("unknown signal feed %q", name)
	}
}

// Config - параметры индикаторов
type Config struct {
	SupertrendPeriod     int
	SupertrendMultiplier float64
	RSIPeriod            int
	RSIOversold          float64
	RSIOverbought        float64
	RSILongStop          float64
	RSIShortStop         float64
}

// series - OHLC закрытых свечей от старой к новой
type series struct {
	open, high, low, close []float64
}

func (s series) len() int { return len(s.close) }

// closedSeries отбрасывает незакрытые свечи и разворачивает порядок (старые первыми)
func closedSeries(candles []exchange.Candle) series {
	var s series
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		if !c.Confirmed {
			continue
		}
		s.open = append(s.open, c.Open.InexactFloat64())
		s.high = append(s.high, c.High.InexactFloat64())
		s.low = append(s.low, c.Low.InexactFloat64())
		s.close = append(s.close, c.Close.InexactFloat64())
	}
	return s
}

// LastClosedTimestamp возвращает время открытия последней закрытой свечи (0 если таких нет).
// Используется как ключ дедупликации сигнала.
func LastClosedTimestamp(candles []exchange.Candle) int64 {
	for _, c := range candles {
		if c.Confirmed {
			return c.Timestamp
		}
	}
	return 0
}
