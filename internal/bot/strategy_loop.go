package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/exchange"
	"perpbot/internal/indicator"
	"perpbot/internal/models"
	"perpbot/pkg/retry"
	"perpbot/pkg/utils"
)

// takerPeriods - периодов taker статистики на запрос: текущий и два закрытых
const takerPeriods = 3

// signalKey - ключ дедупликации: один сигнал на одну закрытую свечу
type signalKey struct {
	candleTS int64
	signal   indicator.Signal
}

// StrategyLoop - цикл, синхронизированный с закрытием свечей.
//
// WaitingForCandle → Evaluating → (Idle | Acting) → WaitingForCandle
type StrategyLoop struct {
	e   *Engine
	log *utils.Logger

	interval   time.Duration
	poll       time.Duration
	fetchRetry retry.Config

	mu           sync.RWMutex
	state        string
	lastCandleTS int64
	lastSignal   indicator.Signal
	lastActed    signalKey
	failures     int

	doneOnce sync.Once
	done     chan struct{}
}

func newStrategyLoop(e *Engine, log *utils.Logger) *StrategyLoop {
	s := &StrategyLoop{
		e:          e,
		log:        log.WithComponent("strategy"),
		interval:   e.cfg.Strategy.BarDuration(),
		poll:       e.cfg.Strategy.PollInterval,
		fetchRetry: retry.FetchConfig(),
		state:      LoopStopped,
		done:       make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.poll <= 0 {
		s.poll = 5 * time.Second
	}
	s.fetchRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.log.Warn("candle fetch retry", utils.Int("attempt", attempt), utils.Err(err))
	}
	return s
}

// Info возвращает состояние цикла, последний сигнал и время последней обработанной свечи
func (s *StrategyLoop) Info() (state, lastSignal string, lastCandleTS int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.lastSignal.String(), s.lastCandleTS
}

// State возвращает текущее состояние цикла
func (s *StrategyLoop) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StrategyLoop) setState(to string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to && !CanTransition(from, to) {
		s.log.Warn("unexpected loop transition", utils.String("from", from), utils.State(to))
	}
}

// Done закрывается после выхода из Run
func (s *StrategyLoop) Done() <-chan struct{} {
	return s.done
}

// Run выполняет тики до отмены ctx или закрытия stopCh; ожидание прерывается сразу,
// начатый тик доводится до конца
func (s *StrategyLoop) Run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.doneOnce.Do(func() { close(s.done) })
	s.setState(LoopWaitingForCandle)
	defer s.setState(LoopStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		wait := s.Tick(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Tick - одна итерация: загрузка свечей и, если появилась новая закрытая свеча, её обработка.
// Возвращает паузу до следующей итерации.
func (s *StrategyLoop) Tick(ctx context.Context) time.Duration {
	candles, err := retry.DoWithResult(ctx, func() ([]exchange.Candle, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.e.cfg.Bot.ExchangeTimeout)
		defer cancel()
		return s.e.ex.GetCandles(callCtx, s.e.cfg.Strategy.Instrument, s.e.cfg.Strategy.Bar, s.e.cfg.Strategy.CandleLimit)
	}, s.fetchRetry)
	if err != nil {
		StrategyTicks.WithLabelValues("fetch_error").Inc()
		wait := s.failureBackoff()
		s.log.Warn("candle fetch failed, skipping tick", utils.Err(err), utils.String("retry_in", wait.String()))
		return wait
	}
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	ts := indicator.LastClosedTimestamp(candles)
	s.mu.RLock()
	unchanged := ts == 0 || ts == s.lastCandleTS
	s.mu.RUnlock()
	if unchanged {
		StrategyTicks.WithLabelValues("unchanged").Inc()
		return s.poll
	}

	StrategyTicks.WithLabelValues("new_candle").Inc()
	start := time.Now()

	s.setState(LoopEvaluating)
	if acted := s.processCandle(ctx, candles, ts); !acted {
		s.setState(LoopIdle)
	}
	s.setState(LoopWaitingForCandle)

	StrategyTickDuration.Observe(float64(time.Since(start).Milliseconds()))

	next := utils.FromUnixMillis(ts).Add(s.interval)
	return utils.UntilNextCandle(s.e.now(), next, s.interval, s.poll)
}

// failureBackoff - ограниченная экспоненциальная пауза после неудачной загрузки
func (s *StrategyLoop) failureBackoff() time.Duration {
	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()

	wait := s.poll
	for i := 1; i < n && wait < s.interval; i++ {
		wait *= 2
	}
	if wait > s.interval {
		wait = s.interval
	}
	return wait
}

// processCandle обрабатывает новую закрытую свечу. Возвращает true, если было торговое действие;
// состояние Acting выставляется до обращения к бирже.
//
// Порядок: дневные лимиты → сверка с биржей → barsHeld → kline-проверки → сигнал.
// Первое решение риск-политики прекращает обработку свечи.
func (s *StrategyLoop) processCandle(ctx context.Context, candles []exchange.Candle, ts int64) bool {
	e := s.e
	signal := s.evaluate(ctx, candles)

	s.mu.Lock()
	s.lastCandleTS = ts
	s.lastSignal = signal
	s.mu.Unlock()

	log := s.log.With(utils.CandleTS(ts), utils.Signal(signal.String()))

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	// 1. дневные лимиты
	balance := e.orders.FetchBalance(ctx, e.cfg.Bot.BalanceCurrency)
	risk, newlyLocked := e.governor.Evaluate(ctx, balance)
	if newlyLocked {
		e.notifyDailyLock(risk)
	}
	UpdateRiskMetrics(risk.LockedForDay, risk.ConsecutiveLosses)

	// 2. сверка позиции
	s.reconcileLocked(ctx, candles)

	// 3. удержание
	bars := e.position.IncrementBars()
	snap := e.position.Snapshot()
	if snap.IsOpen() {
		log.Debug("position tick", utils.Side(snap.Side), utils.BarsHeld(bars), utils.PNL(snap.CurrentProfitPct))
	}

	// 4. выходы: kline-проверки, затем условие выхода самого индикатора
	indicatorExit, indicatorReason := false, ""
	if adv, ok := e.feed.(indicator.ExitAdvisor); ok {
		indicatorExit, indicatorReason = adv.ExitSignal(snap.Side)
	}
	if d := e.policy.EvaluateKline(snap); !d.IsNone() {
		log.Info("kline exit triggered", utils.Reason(d.Reason), utils.String("action", d.Action.String()))
		s.setState(LoopActing)
		_ = e.executeDecisionLocked(ctx, d, models.SourceStrategy)
		return true
	}
	if indicatorExit && snap.IsOpen() {
		log.Info("indicator exit triggered", utils.Reason(indicatorReason))
		s.setState(LoopActing)
		_ = e.closeFullLocked(ctx, ExitIndicator, indicatorReason, models.SourceStrategy)
		return true
	}

	// 5. входы
	return s.handleSignalLocked(ctx, signal, ts, risk.LockedForDay, log)
}

// evaluate вычисляет сигнал свечи; feed с подтверждением объёмами получает taker статистику биржи.
// Недоступная статистика не прерывает тик: feed получит nil и не выдаст сигнал на вход.
func (s *StrategyLoop) evaluate(ctx context.Context, candles []exchange.Candle) indicator.Signal {
	tf, ok := s.e.feed.(indicator.TakerFeed)
	if !ok {
		return s.e.feed.Evaluate(candles)
	}

	var taker []exchange.TakerVolume
	if src, ok := s.e.ex.(exchange.TakerVolumeSource); ok {
		callCtx, cancel := context.WithTimeout(ctx, s.e.cfg.Bot.ExchangeTimeout)
		var err error
		taker, err = src.GetTakerVolume(callCtx, s.e.cfg.Strategy.Instrument, s.e.cfg.Strategy.Bar, takerPeriods)
		cancel()
		if err != nil {
			s.log.Warn("taker volume unavailable", utils.Err(err))
		}
	}
	return tf.EvaluateTaker(candles, taker)
}

// reconcileLocked сверяет позицию с биржей; если биржа недоступна, доходность считается по цене закрытия свечи
func (s *StrategyLoop) reconcileLocked(ctx context.Context, candles []exchange.Candle) {
	e := s.e

	pos, err := e.orders.FetchPosition(ctx)
	if err == nil {
		e.reconcileWithLocked(ctx, pos, models.SourceStrategy)
		return
	}

	snap := e.position.Snapshot()
	if !snap.IsOpen() {
		return
	}
	closePrice := lastClosePrice(candles)
	if !closePrice.IsPositive() {
		return
	}
	s.log.Warn("position fetch failed, using candle close", utils.Err(err), utils.Price(closePrice.InexactFloat64()))
	UpdatePositionMetrics(e.position.UpdateMark(closePrice, utils.ProfitPct(snap.Side, snap.EntryPrice, closePrice)))
}

// handleSignalLocked исполняет сигнал новой свечи
func (s *StrategyLoop) handleSignalLocked(ctx context.Context, signal indicator.Signal, ts int64, locked bool, log *utils.Logger) bool {
	e := s.e
	if signal == indicator.SignalNone {
		return false
	}
	name := signal.String()

	key := signalKey{candleTS: ts, signal: signal}
	s.mu.RLock()
	duplicate := key == s.lastActed
	s.mu.RUnlock()
	if duplicate {
		RecordSignal(name, "duplicate")
		return false
	}
	if locked {
		RecordSignal(name, "locked")
		log.Info("signal ignored: entries locked for the day")
		return false
	}
	if !e.autoTrade.Load() {
		RecordSignal(name, "disabled")
		log.Info("signal ignored: auto trade disabled")
		return false
	}
	// остановка могла начаться, пока тик ждал свечи или блокировку
	if e.stopping() {
		RecordSignal(name, "stopping")
		log.Info("signal ignored: engine is stopping")
		return false
	}

	s.mu.Lock()
	s.lastActed = key
	s.mu.Unlock()

	side := signal.PositionSide()
	snap := e.position.Snapshot()
	reason := fmt.Sprintf("%s signal (%s)", name, e.feed.Name())

	switch {
	case !snap.IsOpen():
		RecordSignal(name, "acted")
		s.setState(LoopActing)
		_ = e.openLocked(ctx, side, reason, models.SourceStrategy)
		return true

	case snap.Side == side:
		if !e.cfg.Strategy.ScaleInEnabled || snap.ScaleIns >= e.cfg.Strategy.MaxScaleIns {
			RecordSignal(name, "held")
			return false
		}
		RecordSignal(name, "acted")
		s.setState(LoopActing)
		_ = e.scaleInLocked(ctx, reason, models.SourceStrategy)
		return true

	default:
		RecordSignal(name, "acted")
		s.setState(LoopActing)
		if err := e.closeFullLocked(ctx, ExitReversal, reason, models.SourceStrategy); err != nil {
			log.Warn("reversal aborted: close failed", utils.Err(err))
			return true
		}
		if err := e.openLocked(ctx, side, reason, models.SourceStrategy); err != nil && !errors.Is(err, ErrNoFillPrice) && !errors.Is(err, ErrStopping) {
			log.Warn("reversal open failed", utils.Err(err))
		}
		return true
	}
}

// lastClosePrice - цена закрытия последней закрытой свечи
func lastClosePrice(candles []exchange.Candle) decimal.Decimal {
	for _, c := range candles {
		if c.Confirmed {
			return c.Close
		}
	}
	return decimal.Zero
}
