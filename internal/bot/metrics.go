package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// - латентность ордеров и тиков циклов
// - выходы по причинам, дневные блокировки
// - состояние позиции и баланс
// - переполнения буферов уведомлений

// ============ Метрики латентности ============

// OrderLatency - время исполнения ордера с учётом повторов
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "perpbot",
		Subsystem: "orders",
		Name:      "latency_ms",
		Help:      "Order round-trip latency including retries in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"op"}, // open, reduce, close
)

// StrategyTickDuration - длительность обработки новой свечи
var StrategyTickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "perpbot",
		Subsystem: "strategy",
		Name:      "tick_duration_ms",
		Help:      "Time to process a new candle in milliseconds",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	},
)

// ============ Счётчики событий ============

// OrdersTotal - ордера по операциям и результату
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "orders",
		Name:      "total",
		Help:      "Total number of orders by operation and result",
	},
	[]string{"op", "result"}, // result: success, failed
)

// ExitsTotal - закрытия по причинам
var ExitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "risk",
		Name:      "exits_total",
		Help:      "Number of position exits by reason",
	},
	[]string{"reason", "source"},
)

// SignalsTotal - сигналы индикатора на новых свечах
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "strategy",
		Name:      "signals_total",
		Help:      "Signals produced on new candles",
	},
	[]string{"signal", "outcome"}, // outcome: acted, duplicate, locked, disabled, stopping, held
)

// StrategyTicks - тики стратегии
var StrategyTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "strategy",
		Name:      "ticks_total",
		Help:      "Strategy loop ticks by result",
	},
	[]string{"result"}, // new_candle, unchanged, fetch_error
)

// SafetyPolls - опросы SafetyMonitor
var SafetyPolls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "safety",
		Name:      "polls_total",
		Help:      "Safety monitor polls by result",
	},
	[]string{"result"}, // flat, ok, triggered, error
)

// DailyLocks - установленные дневные блокировки
var DailyLocks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "risk",
		Name:      "daily_locks_total",
		Help:      "Daily entry locks by reason",
	},
	[]string{"reason"},
)

// BufferOverflows - переполнения буферов (события отброшены)
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // notification, websocket
)

// NotificationErrors - ошибки доставки уведомлений по получателям
var NotificationErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpbot",
		Subsystem: "runtime",
		Name:      "notification_errors_total",
		Help:      "Notification delivery failures by sink",
	},
	[]string{"sink"},
)

// ============ Метрики состояния ============

// PositionSize - объём открытой позиции со знаком (long > 0, short < 0)
var PositionSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "perpbot",
		Subsystem: "position",
		Name:      "size",
		Help:      "Signed size of the open position",
	},
)

// PositionProfit - текущая и пиковая доходность позиции, %
var PositionProfit = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "perpbot",
		Subsystem: "position",
		Name:      "profit_pct",
		Help:      "Position profit in percent of price move",
	},
	[]string{"kind"}, // current, peak
)

// DailyLocked - заблокированы ли входы (1/0)
var DailyLocked = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "perpbot",
		Subsystem: "risk",
		Name:      "daily_locked",
		Help:      "1 if entries are locked for the day",
	},
)

// ConsecutiveLosses - текущая серия убытков
var ConsecutiveLosses = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "perpbot",
		Subsystem: "risk",
		Name:      "consecutive_losses",
		Help:      "Current consecutive losing closes",
	},
)

// ExchangeBalance - баланс на бирже
var ExchangeBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "perpbot",
		Subsystem: "exchange",
		Name:      "balance",
		Help:      "Exchange account balance",
	},
	[]string{"exchange"},
)

// ============ Вспомогательные функции ============

// RecordOrder записывает результат ордера
func RecordOrder(op, result string) {
	OrdersTotal.WithLabelValues(op, result).Inc()
}

// RecordOrderLatency записывает латентность ордера
func RecordOrderLatency(op string, d time.Duration) {
	OrderLatency.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
}

// RecordExit записывает закрытие позиции
func RecordExit(reason, source string) {
	ExitsTotal.WithLabelValues(reason, source).Inc()
}

// RecordSignal записывает сигнал и что с ним сделано
func RecordSignal(signal, outcome string) {
	SignalsTotal.WithLabelValues(signal, outcome).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordNotificationError записывает неудачную доставку уведомления получателю sink
func RecordNotificationError(sink string) {
	NotificationErrors.WithLabelValues(sink).Inc()
}

// UpdateBalance обновляет баланс биржи
func UpdateBalance(exchange string, balance float64) {
	ExchangeBalance.WithLabelValues(exchange).Set(balance)
}

// UpdatePositionMetrics обновляет метрики позиции по снимку
func UpdatePositionMetrics(s PositionSnapshot) {
	size := s.Size.InexactFloat64()
	if s.Side != "long" {
		size = -size
	}
	if !s.IsOpen() {
		size = 0
	}
	PositionSize.Set(size)
	PositionProfit.WithLabelValues("current").Set(s.CurrentProfitPct)
	PositionProfit.WithLabelValues("peak").Set(s.PeakProfitPct)
}

// UpdateRiskMetrics обновляет метрики дневного риска
func UpdateRiskMetrics(locked bool, consecutiveLosses int) {
	if locked {
		DailyLocked.Set(1)
	} else {
		DailyLocked.Set(0)
	}
	ConsecutiveLosses.Set(float64(consecutiveLosses))
}
