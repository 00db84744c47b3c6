package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/indicator"
	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

var (
	// ErrAlreadyRunning - повторный Run
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrNoFillPrice - биржа исполнила ордер, но цена исполнения неизвестна
	ErrNoFillPrice = errors.New("fill price unknown")
	// ErrStopping - новые входы после сигнала остановки запрещены
	ErrStopping = errors.New("engine is stopping")
)

// Notifier - неблокирующая отправка уведомлений (реализуется notify.Dispatcher)
type Notifier interface {
	Notify(n *models.Notification)
}

// TradeJournal - журнал сделок (реализуется repository.TradeRepository)
type TradeJournal interface {
	Create(ctx context.Context, rec *models.TradeRecord) error
}

// StatusBroadcaster - рассылка состояния клиентам UI (реализуется websocket.Hub)
type StatusBroadcaster interface {
	BroadcastStatus(status *models.BotStatus)
}

// leverager - биржи, умеющие выставлять плечо
type leverager interface {
	SetLeverage(ctx context.Context, instrument string, leverage int) error
}

// Deps - необязательные зависимости движка; nil поля отключают соответствующую функцию
type Deps struct {
	Notifier    Notifier
	Journal     TradeJournal
	RiskStore   RiskStateStore
	Broadcaster StatusBroadcaster
	Logger      *utils.Logger
}

// Engine - торговый агент одного инструмента.
//
// Два независимых цикла:
// - StrategyLoop: раз в свечу, сигналы индикатора + kline-проверки риска
// - SafetyMonitor: каждые несколько секунд, realtime-проверки по P&L позиции
//
// Любая последовательность "решить и исполнить" обоих циклов и ручного закрытия
// выполняется под tradeMu; каждый запрос к бирже под ним ограничен таймаутом.
type Engine struct {
	cfg  *config.Config
	ex   exchange.Exchange
	feed indicator.Feed
	log  *utils.Logger

	notifier    Notifier
	journal     TradeJournal
	broadcaster StatusBroadcaster

	tradeMu  sync.Mutex
	position *PositionState
	policy   *RiskPolicy
	governor *DailyGovernor
	orders   *OrderExecutor
	strategy *StrategyLoop
	monitor  *SafetyMonitor

	baseSize decimal.Decimal

	autoTrade atomic.Bool
	running   atomic.Bool

	// unconfirmed - ордер на вход исполнен без цены; позицию на бирже примет ближайшая сверка
	unconfirmed atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewEngine создаёт движок
func NewEngine(cfg *config.Config, ex exchange.Exchange, feed indicator.Feed, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = utils.L()
	}
	log = log.WithSymbol(cfg.Strategy.Instrument)

	lot := decimal.NewFromFloat(cfg.Strategy.LotSize)
	policy := NewRiskPolicy(cfg.Risk)

	e := &Engine{
		cfg:         cfg,
		ex:          ex,
		feed:        feed,
		log:         log.WithComponent("engine"),
		notifier:    deps.Notifier,
		journal:     deps.Journal,
		broadcaster: deps.Broadcaster,
		position:    NewPositionState(lot),
		policy:      policy,
		governor:    NewDailyGovernor(cfg.Risk, policy, deps.RiskStore, log),
		orders:      NewOrderExecutor(ex, cfg.Strategy.Instrument, cfg.Bot.ExchangeTimeout, log),
		baseSize:    utils.RoundToLotSize(decimal.NewFromFloat(cfg.Strategy.BaseSize), lot),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
	e.autoTrade.Store(cfg.Bot.AutoTrade)
	e.strategy = newStrategyLoop(e, log)
	e.monitor = newSafetyMonitor(e, log)

	return e
}

// ============================================================
// Жизненный цикл
// ============================================================

// Run восстанавливает состояние, запускает оба цикла и блокируется до отмены ctx или Shutdown
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if res, err := e.RecoverPosition(ctx); err != nil {
		e.log.Warn("startup recovery failed", utils.Err(err))
	} else if res.Adopted {
		e.log.Info("managing position found on exchange", utils.Side(res.Side), utils.Size(res.Size.String()))
	}
	e.applyLeverage(ctx)

	e.notify(models.NotificationTypeLifecycle, models.SeverityInfo,
		fmt.Sprintf("started: %s on %s, feed %s, bar %s", e.cfg.Strategy.Instrument, e.ex.GetName(), e.feed.Name(), e.cfg.Strategy.Bar), nil)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx, e.stopCh)
	}()
	go func() {
		defer e.wg.Done()
		e.strategy.Run(ctx, e.stopCh)
	}()

	if e.broadcaster != nil && e.cfg.Bot.StatusBroadcast > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.statusLoop(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return nil
	}
}

func (e *Engine) applyLeverage(ctx context.Context) {
	lev, ok := e.ex.(leverager)
	if !ok || e.cfg.Strategy.Leverage <= 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Bot.ExchangeTimeout)
	defer cancel()
	if err := lev.SetLeverage(callCtx, e.cfg.Strategy.Instrument, e.cfg.Strategy.Leverage); err != nil {
		e.log.Warn("set leverage failed", utils.Int("leverage", e.cfg.Strategy.Leverage), utils.Err(err))
	}
}

// Shutdown останавливает циклы и закрывает позицию (если CloseOnShutdown).
//
// 1. сигнал остановки обоим циклам
// 2. ожидание SafetyMonitor не дольше MonitorStopTimeout
// 3. ожидание текущего тика StrategyLoop (не дольше ctx)
// 4. best-effort закрытие открытой позиции
//
// После шага 1 новые входы запрещены (ErrStopping), поэтому тик, завершившийся
// после закрытия, не откроет позицию заново.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	if e.running.Load() {
		select {
		case <-e.monitor.Done():
		case <-time.After(e.cfg.Bot.MonitorStopTimeout):
			e.log.Warn("safety monitor did not stop in time", utils.String("timeout", utils.FormatDuration(e.cfg.Bot.MonitorStopTimeout)))
		case <-ctx.Done():
		}

		select {
		case <-e.strategy.Done():
		case <-ctx.Done():
			e.log.Warn("strategy tick still in flight at shutdown deadline")
		}
	}

	var closeErr error
	if e.cfg.Bot.CloseOnShutdown {
		e.tradeMu.Lock()
		closeErr = e.closeFullLocked(ctx, ExitShutdown, "shutdown", models.SourceShutdown)
		e.tradeMu.Unlock()
		if closeErr != nil {
			e.log.Error("failed to close position on shutdown", utils.Err(closeErr))
		}
	}

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		e.log.Warn("loops still running at shutdown deadline")
	}

	e.notify(models.NotificationTypeLifecycle, models.SeverityInfo, "stopped", nil)
	e.running.Store(false)
	return closeErr
}

// stopping - получен ли сигнал остановки
func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// statusLoop периодически рассылает состояние в UI
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Bot.StatusBroadcast)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			st := e.Status()
			e.broadcaster.BroadcastStatus(&st)
		}
	}
}

// ============================================================
// Операторские команды
// ============================================================

// ForceClose закрывает позицию по запросу оператора. Возвращает false, если позиции не было.
func (e *Engine) ForceClose(ctx context.Context) (bool, error) {
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	if !e.position.Snapshot().IsOpen() {
		return false, nil
	}
	if err := e.closeFullLocked(ctx, ExitManual, "manual close", models.SourceManual); err != nil {
		return false, err
	}
	return true, nil
}

// SetAutoTrade разрешает или запрещает новые входы; выходы работают всегда
func (e *Engine) SetAutoTrade(enabled bool) {
	if e.autoTrade.Swap(enabled) != enabled {
		e.log.Info("auto trade changed", utils.Bool("enabled", enabled))
	}
}

// AutoTrade - разрешены ли новые входы
func (e *Engine) AutoTrade() bool {
	return e.autoTrade.Load()
}

// Status возвращает снимок состояния агента
func (e *Engine) Status() models.BotStatus {
	loopState, lastSignal, lastTS := e.strategy.Info()
	return models.BotStatus{
		Instrument:    e.cfg.Strategy.Instrument,
		Exchange:      e.ex.GetName(),
		Feed:          e.feed.Name(),
		LoopState:     loopState,
		LoopStateInfo: StateInfo(loopState),
		Busy:          IsBusy(loopState),
		AutoTrade:     e.autoTrade.Load(),
		Running:       e.running.Load(),
		Position:      e.position.Snapshot().View(),
		Risk:          e.governor.State(),
		LastSignal:    lastSignal,
		LastCandleTS:  lastTS,
		UpdatedAt:     e.now(),
	}
}

// Position возвращает снимок позиции
func (e *Engine) Position() PositionSnapshot {
	return e.position.Snapshot()
}

// ============================================================
// Исполнение решений (вызывается под tradeMu)
// ============================================================

// executeDecisionLocked исполняет решение риск-политики
func (e *Engine) executeDecisionLocked(ctx context.Context, d Decision, source string) error {
	switch d.Action {
	case ActionCloseFull:
		return e.closeFullLocked(ctx, d.Kind, d.Reason, source)
	case ActionClosePartial:
		return e.closePartialLocked(ctx, d, source)
	default:
		return nil
	}
}

// closeFullLocked закрывает позицию целиком. На пустой позиции - no-op.
// При ошибке биржи PositionState не меняется.
func (e *Engine) closeFullLocked(ctx context.Context, kind, reason, source string) error {
	snap := e.position.Snapshot()
	if !snap.IsOpen() {
		return nil
	}

	if err := e.orders.CloseFull(ctx, snap.Side); err != nil {
		e.log.Error("close failed", utils.Side(snap.Side), utils.Reason(reason), utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityError,
			fmt.Sprintf("close %s failed (%s): %v", snap.Side, reason, err), map[string]interface{}{"source": source})
		return err
	}

	_ = e.position.Close()
	pnl := snap.CurrentProfitPct

	e.log.WithSide(snap.Side).Info("position closed",
		utils.Size(snap.Size.String()),
		utils.PNL(pnl),
		utils.Reason(reason),
		utils.String("source", source),
		utils.BarsHeld(snap.BarsHeld))

	RecordExit(kind, source)
	e.recordTrade(ctx, models.TradeActionClose, snap.Side, snap.Size, snap.MarkPrice, pnl, reason, source, "")
	e.notify(exitNotificationType(kind), exitSeverity(kind),
		fmt.Sprintf("%s closed %s @ %s, pnl %.2f%% (%s)", snap.Side, snap.Size, snap.MarkPrice, pnl, reason),
		map[string]interface{}{"kind": kind, "source": source, "pnl_pct": utils.Round2(pnl)})

	st, newlyLocked := e.governor.RecordExit(ctx, finalExit(snap, pnl))
	if newlyLocked {
		e.notifyDailyLock(st)
	}
	UpdateRiskMetrics(st.LockedForDay, st.ConsecutiveLosses)
	UpdatePositionMetrics(e.position.Snapshot())
	return nil
}

// closePartialLocked закрывает долю d.Ratio; остаток меньше лота превращает закрытие в полное
func (e *Engine) closePartialLocked(ctx context.Context, d Decision, source string) error {
	snap := e.position.Snapshot()
	if !snap.IsOpen() {
		return nil
	}

	closeSize, full, err := e.position.PlanPartialClose(d.Ratio)
	if err != nil {
		e.log.Error("invalid partial close", utils.Float64("ratio", d.Ratio), utils.Err(err))
		return err
	}
	if full {
		return e.closeFullLocked(ctx, d.Kind, d.Reason, source)
	}

	fill, err := e.orders.Reduce(ctx, snap.Side, closeSize)
	if err != nil {
		e.log.Error("partial close failed", utils.Side(snap.Side), utils.Size(closeSize.String()), utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityError,
			fmt.Sprintf("partial close %s %s failed (%s): %v", snap.Side, closeSize, d.Reason, err), map[string]interface{}{"source": source})
		return err
	}

	if err := e.position.PartialClose(d.Ratio); err != nil {
		return err
	}
	if d.Level >= 0 {
		e.position.MarkTakeProfitLevel(d.Level)
	}

	price := fill.Price
	pnl := snap.CurrentProfitPct
	if price.IsPositive() {
		pnl = utils.ProfitPct(snap.Side, snap.EntryPrice, price)
	} else {
		price = snap.MarkPrice
	}
	e.position.AddRealized(closeSize, pnl)
	remaining := e.position.Snapshot()

	e.log.WithSide(snap.Side).Info("position partially closed",
		utils.Size(closeSize.String()),
		utils.String("remaining", remaining.Size.String()),
		utils.PNL(pnl),
		utils.Reason(d.Reason))

	RecordExit(d.Kind, source)
	e.recordTrade(ctx, models.TradeActionPartialClose, snap.Side, closeSize, price, pnl, d.Reason, source, fill.ClientOrderID)
	e.notify(models.NotificationTypePartial, models.SeverityInfo,
		fmt.Sprintf("%s reduced by %s @ %s, pnl %.2f%%, remaining %s (%s)", snap.Side, closeSize, price, pnl, remaining.Size, d.Reason),
		map[string]interface{}{"level": d.Level, "source": source, "pnl_pct": utils.Round2(pnl)})

	st, newlyLocked := e.governor.RecordExit(ctx, ExitResult{
		PnlPct:   pnl,
		Fraction: snap.FractionOfOpened(closeSize),
	})
	if newlyLocked {
		e.notifyDailyLock(st)
	}
	UpdatePositionMetrics(remaining)
	return nil
}

// openLocked открывает позицию базового объёма. Ошибка биржи оставляет позицию пустой.
func (e *Engine) openLocked(ctx context.Context, side, reason, source string) error {
	if e.stopping() {
		return ErrStopping
	}
	if e.position.Snapshot().IsOpen() {
		return ErrAlreadyOpen
	}

	fill, err := e.orders.Open(ctx, side, e.baseSize)
	if err != nil {
		e.log.Error("open failed", utils.Side(side), utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityError,
			fmt.Sprintf("open %s %s failed: %v", side, e.baseSize, err), map[string]interface{}{"source": source})
		return err
	}
	if !fill.Price.IsPositive() {
		// позиция на бирже есть - её примет ближайшая сверка
		e.unconfirmed.Store(true)
		e.log.Warn("opened without fill price, waiting for reconcile", utils.OrderID(fill.OrderID))
		return ErrNoFillPrice
	}

	if err := e.position.Open(side, fill.Size, fill.Price); err != nil {
		return err
	}

	e.log.Info("position opened",
		utils.Side(side),
		utils.Size(fill.Size.String()),
		utils.Price(fill.Price.InexactFloat64()),
		utils.Reason(reason))

	e.recordTrade(ctx, models.TradeActionOpen, side, fill.Size, fill.Price, 0, reason, source, fill.ClientOrderID)
	e.notify(models.NotificationTypeOpen, models.SeverityInfo,
		fmt.Sprintf("opened %s %s %s @ %s (%s)", side, fill.Size, utils.ExtractBaseCurrency(e.cfg.Strategy.Instrument), fill.Price, reason), map[string]interface{}{"source": source})
	UpdatePositionMetrics(e.position.Snapshot())
	return nil
}

// scaleInLocked добавляет базовый объём к позиции той же стороны
func (e *Engine) scaleInLocked(ctx context.Context, reason, source string) error {
	if e.stopping() {
		return ErrStopping
	}
	snap := e.position.Snapshot()
	if !snap.IsOpen() {
		return ErrNoPosition
	}

	fill, err := e.orders.Open(ctx, snap.Side, e.baseSize)
	if err != nil {
		e.log.Error("scale-in failed", utils.Side(snap.Side), utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityError,
			fmt.Sprintf("scale-in %s %s failed: %v", snap.Side, e.baseSize, err), map[string]interface{}{"source": source})
		return err
	}
	if !fill.Price.IsPositive() {
		e.unconfirmed.Store(true)
		e.log.Warn("scaled in without fill price, waiting for reconcile", utils.OrderID(fill.OrderID))
		return ErrNoFillPrice
	}

	if err := e.position.Scale(fill.Size, fill.Price); err != nil {
		return err
	}
	after := e.position.Snapshot()

	e.log.Info("position scaled in",
		utils.Side(after.Side),
		utils.Size(after.Size.String()),
		utils.Price(after.EntryPrice.InexactFloat64()),
		utils.Int("scale_ins", after.ScaleIns))

	e.recordTrade(ctx, models.TradeActionScaleIn, after.Side, fill.Size, fill.Price, 0, reason, source, fill.ClientOrderID)
	e.notify(models.NotificationTypeScaleIn, models.SeverityInfo,
		fmt.Sprintf("added %s %s @ %s, avg entry %s, size %s", after.Side, fill.Size, fill.Price, after.EntryPrice.StringFixed(2), after.Size), nil)
	UpdatePositionMetrics(after)
	return nil
}

// ============================================================
// Сверка с биржей (вызывается под tradeMu)
// ============================================================

// reconcileWithLocked приводит PositionState к позиции биржи pos (nil - позиции нет)
func (e *Engine) reconcileWithLocked(ctx context.Context, pos *exchange.Position, source string) {
	e.unconfirmed.Store(false)
	snap := e.position.Snapshot()

	switch {
	case pos == nil && !snap.IsOpen():
		return

	case pos == nil:
		// закрыта вне бота (ликвидация, ручное закрытие на бирже)
		e.dropLocalLocked(ctx, snap, "position closed on exchange", source)

	case !snap.IsOpen():
		e.adoptLocked(pos)

	case pos.Side != snap.Side:
		e.dropLocalLocked(ctx, snap, fmt.Sprintf("exchange holds %s instead of %s", pos.Side, snap.Side), source)
		e.adoptLocked(pos)

	default:
		if !pos.Size.Equal(snap.Size) {
			e.log.Warn("position size differs from exchange, resizing",
				utils.String("local", snap.Size.String()), utils.String("exchange", pos.Size.String()))
			e.position.Resize(pos.Size)
		}
		if pos.MarkPrice.IsPositive() {
			UpdatePositionMetrics(e.position.UpdateMark(pos.MarkPrice, pos.UnrealizedPnlPct))
		}
	}
}

func (e *Engine) dropLocalLocked(ctx context.Context, snap PositionSnapshot, reason, source string) {
	_ = e.position.Close()
	pnl := snap.CurrentProfitPct

	e.log.Warn("local position dropped", utils.Side(snap.Side), utils.Reason(reason), utils.PNL(pnl))
	e.recordTrade(ctx, models.TradeActionClose, snap.Side, snap.Size, snap.MarkPrice, pnl, reason, source, "")
	e.notify(models.NotificationTypeSync, models.SeverityWarn,
		fmt.Sprintf("%s %s: %s, last pnl %.2f%%", snap.Side, snap.Size, reason, pnl), nil)

	st, newlyLocked := e.governor.RecordExit(ctx, finalExit(snap, pnl))
	if newlyLocked {
		e.notifyDailyLock(st)
	}
	UpdatePositionMetrics(e.position.Snapshot())
}

// finalExit - закрытие остатка snap с доходностью pnl
func finalExit(snap PositionSnapshot, pnl float64) ExitResult {
	return ExitResult{
		PnlPct:      pnl,
		Fraction:    snap.FractionOfOpened(snap.Size),
		Final:       true,
		TradePnlPct: snap.TradePnlPct(pnl),
	}
}

func (e *Engine) adoptLocked(pos *exchange.Position) {
	if err := e.position.Adopt(pos); err != nil {
		e.log.Error("cannot adopt exchange position", utils.Side(pos.Side), utils.Err(err))
		return
	}
	e.log.Warn("adopted exchange position", utils.Side(pos.Side), utils.Size(pos.Size.String()),
		utils.Price(pos.EntryPrice.InexactFloat64()))
	e.notify(models.NotificationTypeSync, models.SeverityWarn,
		fmt.Sprintf("adopted %s %s @ %s from exchange", pos.Side, pos.Size, pos.EntryPrice), nil)
	UpdatePositionMetrics(e.position.Snapshot())
}

// ============================================================
// Уведомления и журнал
// ============================================================

func (e *Engine) notify(typ, severity, msg string, meta map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(&models.Notification{
		Timestamp:  e.now(),
		Type:       typ,
		Severity:   severity,
		Instrument: e.cfg.Strategy.Instrument,
		Message:    msg,
		Meta:       meta,
	})
}

func (e *Engine) notifyDailyLock(st models.RiskState) {
	DailyLocks.WithLabelValues(lockLabel(st.LockReason)).Inc()
	UpdateRiskMetrics(true, st.ConsecutiveLosses)
	e.notify(models.NotificationTypeDailyLock, models.SeverityWarn,
		fmt.Sprintf("entries locked until end of day %s: %s", st.DayKey, st.LockReason),
		map[string]interface{}{"day": st.DayKey, "consecutive_losses": st.ConsecutiveLosses})
}

func (e *Engine) recordTrade(ctx context.Context, action, side string, size, price decimal.Decimal, pnl float64, reason, source, clOrdID string) {
	if e.journal == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Bot.ExchangeTimeout)
	defer cancel()

	rec := &models.TradeRecord{
		Instrument:    e.cfg.Strategy.Instrument,
		Action:        action,
		Side:          side,
		Size:          size.String(),
		Price:         price.String(),
		PnlPct:        utils.Round2(pnl),
		Reason:        reason,
		Source:        source,
		ClientOrderID: clOrdID,
		CreatedAt:     e.now(),
	}
	if err := e.journal.Create(callCtx, rec); err != nil {
		e.log.Warn("failed to record trade", utils.String("action", action), utils.Err(err))
	}
}

// exitNotificationType сопоставляет причину выхода с типом уведомления
func exitNotificationType(kind string) string {
	switch kind {
	case ExitTrailingStop, ExitFixedStop, ExitFlashCrash, ExitEmergencyStop, ExitIndicator:
		return models.NotificationTypeSL
	case ExitTakeProfit, ExitExtremeProfit:
		return models.NotificationTypeTP
	default:
		return models.NotificationTypeClose
	}
}

func exitSeverity(kind string) string {
	switch kind {
	case ExitFlashCrash, ExitEmergencyStop:
		return models.SeverityError
	case ExitTrailingStop, ExitFixedStop, ExitTimeStop, ExitIndicator:
		return models.SeverityWarn
	default:
		return models.SeverityInfo
	}
}

// lockLabel - метка метрики по причине блокировки
func lockLabel(reason string) string {
	for _, prefix := range []string{LockProfitTarget, LockMaxDailyLoss, LockConsecutiveLosses} {
		if strings.HasPrefix(reason, prefix) {
			return prefix
		}
	}
	return "other"
}
