package indicator

import (
	"fmt"
	"math"
	"sync"

	"perpbot/internal/exchange"
)

// RSIConfig - пороги RSI feed; нулевые значения заменяются на 14/20/80/70/30
type RSIConfig struct {
	Period     int
	Oversold   float64 // запоминание минимума для входа в long
	Overbought float64 // запоминание максимума для входа в short
	LongStop   float64 // в long запоминается RSI выше порога, выход при падении ниже него
	ShortStop  float64 // в short запоминается RSI ниже порога, выход при росте выше него
}

func (c RSIConfig) withDefaults() RSIConfig {
	if c.Period <= 0 {
		c.Period = 14
	}
	if c.Oversold <= 0 {
		c.Oversold = 20
	}
	if c.Overbought <= 0 {
		c.Overbought = 80
	}
	if c.LongStop <= 0 {
		c.LongStop = 70
	}
	if c.ShortStop <= 0 {
		c.ShortStop = 30
	}
	return c
}

// mark - запомненное значение RSI
type mark struct {
	value float64
	set   bool
}

func (m *mark) record(v float64) { m.value, m.set = v, true }
func (m *mark) reset() { m.set = false }

// RSIFeed - разворот RSI от запомненного экстремума с подтверждением объёмами taker.
//
// На свече k:
//  1. RSI(k-1) выше Overbought (ниже Oversold) запоминается как экстремум
//  2. Sell: RSI(k) ниже запомненного максимума и taker продажи свечи k-1 больше покупок
//  3. Buy: RSI(k) выше запомненного минимума и taker покупки свечи k-1 больше продаж
//
// Экстремум сбрасывается после выданного сигнала. Без данных taker сигналов нет.
// Feed хранит состояние между свечами; повторный вызов на той же свече возвращает прежний сигнал.
type RSIFeed struct {
	cfg RSIConfig

	mu         sync.Mutex
	lastTS     int64
	lastSignal Signal
	cur        float64 // RSI последней закрытой свечи, NaN до прогрева

	oversold   mark
	overbought mark
	longStop   mark
	shortStop  mark
}

// NewRSIFeed создаёт feed
func NewRSIFeed(cfg RSIConfig) *RSIFeed {
	return &RSIFeed{cfg: cfg.withDefaults(), cur: math.NaN()}
}

func (f *RSIFeed) Name() string {
	return "rsi"
}

// Evaluate без данных taker только обновляет запомненные экстремумы
func (f *RSIFeed) Evaluate(candles []exchange.Candle) Signal {
	return f.EvaluateTaker(candles, nil)
}

// EvaluateTaker вычисляет сигнал; taker - статистика биржи по периодам (порядок не важен)
func (f *RSIFeed) EvaluateTaker(candles []exchange.Candle, taker []exchange.TakerVolume) Signal {
	ts := LastClosedTimestamp(candles)

	f.mu.Lock()
	defer f.mu.Unlock()

	if ts != 0 && ts == f.lastTS {
		return f.lastSignal
	}
	f.lastTS = ts
	f.lastSignal = SignalNone
	f.cur = math.NaN()

	s := closedSeries(candles)
	n := s.len()
	if n < 2 {
		return SignalNone
	}

	rsi := RSI(s.close, f.cfg.Period)
	prev, cur := rsi[n-2], rsi[n-1]
	f.cur = cur
	if math.IsNaN(prev) || math.IsNaN(cur) {
		return SignalNone
	}

	if prev > f.cfg.Overbought {
		f.overbought.record(prev)
	}
	if prev < f.cfg.Oversold {
		f.oversold.record(prev)
	}

	buy, sell, ok := takerFor(taker, previousClosedTimestamp(candles))
	if !ok {
		return SignalNone
	}

	switch {
	case f.overbought.set && cur < f.overbought.value && sell > buy:
		f.overbought.reset()
		f.lastSignal = SignalSell
	case f.oversold.set && cur > f.oversold.value && buy > sell:
		f.oversold.reset()
		f.lastSignal = SignalBuy
	}
	return f.lastSignal
}

// ExitSignal - RSI-стоп для открытой позиции side; вызывается раз на свечу после EvaluateTaker.
//
// long: RSI выше LongStop запоминается; выход, когда RSI опускается ниже запомненного.
// short: зеркально с ShortStop. Без позиции запомненные значения сбрасываются.
func (f *RSIFeed) ExitSignal(side string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.cur
	switch side {
	case exchange.SideLong:
		f.shortStop.reset()
		if math.IsNaN(cur) {
			return false, ""
		}
		if f.longStop.set && cur < f.longStop.value {
			reason := fmt.Sprintf("rsi %.2f fell below recorded %.2f", cur, f.longStop.value)
			f.longStop.reset()
			return true, reason
		}
		if cur > f.cfg.LongStop {
			f.longStop.record(cur)
		}

	case exchange.SideShort:
		f.longStop.reset()
		if math.IsNaN(cur) {
			return false, ""
		}
		if f.shortStop.set && cur > f.shortStop.value {
			reason := fmt.Sprintf("rsi %.2f rose above recorded %.2f", cur, f.shortStop.value)
			f.shortStop.reset()
			return true, reason
		}
		if cur < f.cfg.ShortStop {
			f.shortStop.record(cur)
		}

	default:
		f.longStop.reset()
		f.shortStop.reset()
	}
	return false, ""
}

// takerFor ищет объёмы taker периода ts
func takerFor(taker []exchange.TakerVolume, ts int64) (buy, sell float64, ok bool) {
	if ts == 0 {
		return 0, 0, false
	}
	for _, tv := range taker {
		if tv.Timestamp == ts {
			return tv.BuyVolume.InexactFloat64(), tv.SellVolume.InexactFloat64(), true
		}
	}
	return 0, 0, false
}

// previousClosedTimestamp - время открытия предпоследней закрытой свечи
func previousClosedTimestamp(candles []exchange.Candle) int64 {
	seen := false
	for _, c := range candles {
		if !c.Confirmed {
			continue
		}
		if seen {
			return c.Timestamp
		}
		seen = true
	}
	return 0
}
