package indicator

import (
	"math"

	"perpbot/internal/exchange"
)

// SupertrendFeed - сигнал по смене направления Supertrend:
// -1 → +1 покупка, +1 → -1 продажа
type SupertrendFeed struct {
	period     int
	multiplier float64
}

// NewSupertrendFeed создаёт feed; нулевые параметры заменяются на 10 и 3.0
func NewSupertrendFeed(period int, multiplier float64) *SupertrendFeed {
	if period <= 0 {
		period = 10
	}
	if multiplier <= 0 {
		multiplier = 3.0
	}
	return &SupertrendFeed{period: period, multiplier: multiplier}
}

func (f *SupertrendFeed) Name() string {
	return "supertrend"
}

func (f *SupertrendFeed) Evaluate(candles []exchange.Candle) Signal {
	trend := f.trend(closedSeries(candles))
	n := len(trend)
	if n < 2 || trend[n-2] == 0 {
		return SignalNone
	}

	switch {
	case trend[n-1] == 1 && trend[n-2] == -1:
		return SignalBuy
	case trend[n-1] == -1 && trend[n-2] == 1:
		return SignalSell
	default:
		return SignalNone
	}
}

// trend возвращает направление по каждой свече (0 до прогрева ATR)
func (f *SupertrendFeed) trend(s series) []int {
	n := s.len()
	trend := make([]int, n)
	if n == 0 {
		return trend
	}

	atr := ATR(s.high, s.low, s.close, f.period)
	up := make([]float64, n)
	dn := make([]float64, n)
	started := false

	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) {
			continue
		}
		hl2 := (s.high[i] + s.low[i]) / 2
		upCur := hl2 - f.multiplier*atr[i]
		dnCur := hl2 + f.multiplier*atr[i]

		if !started {
			up[i], dn[i], trend[i] = upCur, dnCur, 1
			started = true
			continue
		}

		// полосы сужаются только в сторону тренда
		if s.close[i-1] > up[i-1] {
			up[i] = math.Max(upCur, up[i-1])
		} else {
			up[i] = upCur
		}
		if s.close[i-1] < dn[i-1] {
			dn[i] = math.Min(dnCur, dn[i-1])
		} else {
			dn[i] = dnCur
		}

		switch {
		case trend[i-1] == 1 && s.close[i] < up[i-1]:
			trend[i] = -1
		case trend[i-1] == -1 && s.close[i] > dn[i-1]:
			trend[i] = 1
		default:
			trend[i] = trend[i-1]
		}
	}
	return trend
}
