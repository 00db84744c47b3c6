package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/indicator"
	"perpbot/internal/models"
	"perpbot/pkg/retry"
	"perpbot/pkg/utils"
)

// ============================================================
// Fake exchange
// ============================================================

var errExchangeDown = errors.New("exchange unavailable")

// fakeExchange - биржа в памяти: одна позиция, исполнение по текущей цене
type fakeExchange struct {
	mu sync.Mutex

	price    decimal.Decimal
	candles  []exchange.Candle
	position *exchange.Position
	balance  decimal.Decimal

	candlesErr  error
	positionErr error
	placeErr    error
	placeFailN  int // столько следующих ордеров вернут временную ошибку
	closeErr    error // ClosePosition всегда возвращает closeErr
	closeFailN  int   // столько следующих вызовов ClosePosition вернут errExchangeDown
	noFillPrice bool
	priceErr    error

	taker []exchange.TakerVolume

	orders     []exchange.OrderRequest
	closeCalls int
	leverage   int

	// onClose вызывается внутри ClosePosition до изменения позиции
	onClose func()
	// onPlace вызывается внутри PlaceMarketOrder до исполнения
	onPlace func()

	// candlesGate задерживает GetCandles до закрытия канала; о входе сообщает candlesEntered
	candlesGate    chan struct{}
	candlesEntered chan struct{}
}

func newFakeExchange(price float64) *fakeExchange {
	return &fakeExchange{
		price:   decimal.NewFromFloat(price),
		balance: decimal.NewFromInt(10000),
	}
}

func (f *fakeExchange) GetName() string { return "fake" }

func (f *fakeExchange) GetPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.price, nil
}

func (f *fakeExchange) GetCandles(ctx context.Context, instrument, bar string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	gate, entered := f.candlesGate, f.candlesEntered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candlesErr != nil {
		return nil, f.candlesErr
	}
	out := make([]exchange.Candle, len(f.candles))
	copy(out, f.candles)
	return out, nil
}

func (f *fakeExchange) GetTakerVolume(ctx context.Context, instrument, period string, limit int) ([]exchange.TakerVolume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taker == nil {
		return nil, exchange.ErrTakerVolumeUnavailable
	}
	out := make([]exchange.TakerVolume, len(f.taker))
	copy(out, f.taker)
	return out, nil
}

func (f *fakeExchange) GetPosition(ctx context.Context, instrument string) (*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionErr != nil {
		return nil, f.positionErr
	}
	if f.position == nil {
		return nil, nil
	}
	p := *f.position
	p.MarkPrice = f.price
	p.UnrealizedPnlPct = utils.ProfitPct(p.Side, p.EntryPrice, f.price)
	return &p, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	f.mu.Lock()
	hook := f.onPlace
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.orders = append(f.orders, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.placeFailN > 0 {
		f.placeFailN--
		return nil, retry.Temporary(errExchangeDown)
	}

	switch {
	case req.ReduceOnly:
		if f.position != nil {
			f.position.Size = f.position.Size.Sub(req.Size)
			if !f.position.Size.IsPositive() {
				f.position = nil
			}
		}
	case f.position == nil:
		f.position = &exchange.Position{
			Instrument: req.Instrument,
			Side:       req.PosSide,
			Size:       req.Size,
			EntryPrice: f.price,
		}
	default:
		f.position.EntryPrice = utils.AverageEntry(f.position.Size, f.position.EntryPrice, req.Size, f.price)
		f.position.Size = f.position.Size.Add(req.Size)
	}

	order := &exchange.Order{
		ID:            "ord-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		PosSide:       req.PosSide,
		Size:          req.Size,
		Status:        exchange.OrderStatusFilled,
	}
	if !f.noFillPrice {
		order.AvgPrice = f.price
	}
	return order, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, instrument, posSide string) error {
	f.mu.Lock()
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeErr != nil {
		return f.closeErr
	}
	if f.closeFailN > 0 {
		f.closeFailN--
		return errExchangeDown
	}
	f.position = nil
	return nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.balance.IsPositive() {
		return decimal.Zero, exchange.ErrBalanceUnavailable
	}
	return f.balance, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = leverage
	return nil
}

func (f *fakeExchange) Close() error { return nil }

func (f *fakeExchange) setPrice(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = decimal.NewFromFloat(p)
}

func (f *fakeExchange) setBalance(b float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = decimal.NewFromFloat(b)
}

// pushCandle добавляет новую закрытую свечу (новые первыми)
func (f *fakeExchange) pushCandle(ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := exchange.Candle{Timestamp: ts, Open: f.price, High: f.price, Low: f.price, Close: f.price, Confirmed: true}
	f.candles = append([]exchange.Candle{c}, f.candles...)
}

// gateCandles включает задержку GetCandles; возвращает канал входа в GetCandles
func (f *fakeExchange) gateCandles(gate chan struct{}) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candlesGate = gate
	f.candlesEntered = make(chan struct{}, 1)
	return f.candlesEntered
}

func (f *fakeExchange) setPosition(p *exchange.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
}

func (f *fakeExchange) exchangePosition() *exchange.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.position == nil {
		return nil
	}
	p := *f.position
	return &p
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeExchange) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// ============================================================
// Fake feed, notifier, journal, risk store
// ============================================================

type fakeFeed struct {
	mu     sync.Mutex
	signal indicator.Signal
}

func (f *fakeFeed) Name() string { return "fake" }

func (f *fakeFeed) Evaluate(candles []exchange.Candle) indicator.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal
}

func (f *fakeFeed) set(s indicator.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signal = s
}

// advisorFeed - feed с taker подтверждением и собственным условием выхода
type advisorFeed struct {
	fakeFeed

	amu   sync.Mutex
	exit  bool
	sides []string
	taker []exchange.TakerVolume
}

func (f *advisorFeed) EvaluateTaker(candles []exchange.Candle, taker []exchange.TakerVolume) indicator.Signal {
	f.amu.Lock()
	f.taker = taker
	f.amu.Unlock()
	return f.Evaluate(candles)
}

func (f *advisorFeed) ExitSignal(side string) (bool, string) {
	f.amu.Lock()
	defer f.amu.Unlock()
	f.sides = append(f.sides, side)
	if f.exit && side != SideNone {
		f.exit = false
		return true, "rsi 65.00 fell below recorded 72.00"
	}
	return false, ""
}

func (f *advisorFeed) setExit(v bool) {
	f.amu.Lock()
	defer f.amu.Unlock()
	f.exit = v
}

func (f *advisorFeed) lastTaker() []exchange.TakerVolume {
	f.amu.Lock()
	defer f.amu.Unlock()
	return f.taker
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []*models.Notification
}

func (r *recordingNotifier) Notify(n *models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Type == typ {
			n++
		}
	}
	return n
}

type recordingJournal struct {
	mu      sync.Mutex
	records []*models.TradeRecord
}

func (j *recordingJournal) Create(ctx context.Context, rec *models.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *recordingJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Action)
	}
	return out
}

type memoryRiskStore struct {
	mu     sync.Mutex
	states map[string]models.RiskState
	err    error
}

func newMemoryRiskStore() *memoryRiskStore {
	return &memoryRiskStore{states: make(map[string]models.RiskState)}
}

func (m *memoryRiskStore) GetByDay(ctx context.Context, dayKey string) (*models.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.states[dayKey]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memoryRiskStore) Upsert(ctx context.Context, st *models.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.states[st.DayKey] = *st
	return nil
}

// ============================================================
// Helpers
// ============================================================

// testClock - управляемые часы
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		StopLossPct:           2.0,
		TrailingStopPct:       1.0,
		TrailingActivationPct: 1.0,
		TakeProfitLevels:      config.DefaultTakeProfitLevels(),
		MaxHoldBars:           20,
		FlashCrashPct:         5.0,
		EmergencyStopPct:      3.0,
		ExtremeProfitPct:      8.0,
		DailyProfitTargetMin:  3.0,
		DailyProfitTargetMax:  5.0,
		MaxDailyLossPct:       5.0,
		MaxConsecutiveLosses:  3,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Instrument:   "BTC-USDT-SWAP",
			Bar:          "1m",
			CandleLimit:  100,
			BaseSize:     1,
			LotSize:      0.1,
			Leverage:     5,
			Feed:         "supertrend",
			MaxScaleIns:  1,
			PollInterval: 5 * time.Second,
		},
		Risk: testRiskConfig(),
		Bot: config.BotConfig{
			RealtimeInterval:   5 * time.Millisecond,
			ExchangeTimeout:    time.Second,
			MonitorStopTimeout: time.Second,
			CloseOnShutdown:    true,
			AutoTrade:          true,
			NotificationBuffer: 100,
			BalanceCurrency:    "USDT",
		},
	}
}

// fastRetry - быстрые повторы для тестов
func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxRetries:   attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
		RetryIf:      retry.IsRetryable,
	}
}

type testEngine struct {
	*Engine
	ex       *fakeExchange
	feed     *fakeFeed
	notifier *recordingNotifier
	journal  *recordingJournal
	store    *memoryRiskStore
	clock    *testClock
}

func newTestEngine(t *testing.T, cfg *config.Config, ex *fakeExchange) *testEngine {
	t.Helper()

	te := &testEngine{
		ex:       ex,
		feed:     &fakeFeed{},
		notifier: &recordingNotifier{},
		journal:  &recordingJournal{},
		store:    newMemoryRiskStore(),
		clock:    newTestClock(),
	}
	te.Engine = NewEngine(cfg, ex, te.feed, Deps{
		Notifier:  te.notifier,
		Journal:   te.journal,
		RiskStore: te.store,
		Logger:    utils.NewNopLogger(),
	})

	te.now = te.clock.Now
	te.position.now = te.clock.Now
	te.governor.now = te.clock.Now
	te.governor.randFloat = func() float64 { return 0 }
	te.orders.orderRetry = fastRetry(2)
	te.orders.closeRetry = fastRetry(2)
	te.strategy.fetchRetry = fastRetry(2)

	return te
}

// nextCandle сдвигает часы на минуту и публикует закрытую свечу; возвращает время её открытия
func (te *testEngine) nextCandle() int64 {
	te.clock.Advance(time.Minute)
	ts := te.clock.Now().Add(-time.Minute).UnixMilli()
	te.ex.pushCandle(ts)
	return ts
}
