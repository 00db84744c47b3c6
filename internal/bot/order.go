package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpbot/internal/exchange"
	"perpbot/pkg/retry"
	"perpbot/pkg/utils"
)

// OrderExecutor - шлюз ордеров одного инструмента.
//
// Каждый запрос ограничен timeout. Открытие повторяется только на временных ошибках
// с тем же clOrdId, закрытие - на любых повторяемых (ClosePosition идемпотентен).
type OrderExecutor struct {
	ex         exchange.Exchange
	instrument string
	timeout    time.Duration
	log        *utils.Logger

	orderRetry retry.Config
	closeRetry retry.Config
}

// Fill - результат исполнения
type Fill struct {
	OrderID       string
	ClientOrderID string
	Side          string // сторона позиции
	Size          decimal.Decimal
	Price         decimal.Decimal
	Latency       time.Duration
}

// NewOrderExecutor создаёт исполнитель
func NewOrderExecutor(ex exchange.Exchange, instrument string, timeout time.Duration, log *utils.Logger) *OrderExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = utils.L()
	}
	oe := &OrderExecutor{
		ex:         ex,
		instrument: instrument,
		timeout:    timeout,
		log:        log.WithComponent("orders").WithSymbol(instrument),
		orderRetry: retry.OrderConfig(),
		closeRetry: retry.CloseConfig(),
	}
	oe.closeRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		oe.log.Warn("close retry", utils.Int("attempt", attempt), utils.Err(err), utils.String("delay", delay.String()))
	}
	return oe
}

// newClientOrderID - один ID на одно торговое намерение (OKX: до 32 символов, без дефисов)
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Open открывает позицию side рыночным ордером
func (oe *OrderExecutor) Open(ctx context.Context, side string, size decimal.Decimal) (*Fill, error) {
	return oe.place(ctx, exchange.OrderRequest{
		Instrument: oe.instrument,
		Side:       exchange.OpenSide(side),
		PosSide:    side,
		Size:       size,
	}, "open")
}

// Reduce сокращает позицию side на size (reduce-only)
func (oe *OrderExecutor) Reduce(ctx context.Context, side string, size decimal.Decimal) (*Fill, error) {
	return oe.place(ctx, exchange.OrderRequest{
		Instrument: oe.instrument,
		Side:       exchange.CloseSide(side),
		PosSide:    side,
		Size:       size,
		ReduceOnly: true,
	}, "reduce")
}

func (oe *OrderExecutor) place(ctx context.Context, req exchange.OrderRequest, op string) (*Fill, error) {
	req.ClientOrderID = newClientOrderID()
	start := time.Now()

	order, err := retry.DoWithResult(ctx, func() (*exchange.Order, error) {
		callCtx, cancel := context.WithTimeout(ctx, oe.timeout)
		defer cancel()
		return oe.ex.PlaceMarketOrder(callCtx, req)
	}, oe.orderRetry)

	latency := time.Since(start)
	RecordOrderLatency(op, latency)

	if err != nil {
		RecordOrder(op, "failed")
		return nil, fmt.Errorf("%s %s %s: %w", op, req.PosSide, req.Size, err)
	}
	RecordOrder(op, "success")

	fill := &Fill{
		OrderID:       order.ID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.PosSide,
		Size:          req.Size,
		Price:         order.AvgPrice,
		Latency:       latency,
	}

	// биржа не всегда возвращает цену исполнения - берём последнюю цену
	if !fill.Price.IsPositive() {
		callCtx, cancel := context.WithTimeout(ctx, oe.timeout)
		price, perr := oe.ex.GetPrice(callCtx, oe.instrument)
		cancel()
		if perr != nil {
			oe.log.Warn("fill price unknown", utils.OrderID(order.ID), utils.Err(perr))
		} else {
			fill.Price = price
		}
	}

	oe.log.Info("order filled",
		utils.String("op", op),
		utils.Side(req.PosSide),
		utils.Size(req.Size.String()),
		utils.Price(fill.Price.InexactFloat64()),
		utils.OrderID(order.ID),
		utils.Latency(float64(latency.Microseconds())/1000))

	return fill, nil
}

// CloseFull закрывает позицию side целиком; отсутствие позиции на бирже - успех
func (oe *OrderExecutor) CloseFull(ctx context.Context, side string) error {
	start := time.Now()

	err := retry.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, oe.timeout)
		defer cancel()
		return oe.ex.ClosePosition(callCtx, oe.instrument, side)
	}, oe.closeRetry)

	RecordOrderLatency("close", time.Since(start))
	if err != nil {
		RecordOrder("close", "failed")
		return fmt.Errorf("close %s: %w", side, err)
	}
	RecordOrder("close", "success")
	return nil
}

// FetchPosition - один запрос позиции без повторов (вызывающий цикл сам решает, когда повторить)
func (oe *OrderExecutor) FetchPosition(ctx context.Context) (*exchange.Position, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.timeout)
	defer cancel()
	return oe.ex.GetPosition(callCtx, oe.instrument)
}

// FetchBalance возвращает баланс или 0, если он недоступен
func (oe *OrderExecutor) FetchBalance(ctx context.Context, currency string) float64 {
	callCtx, cancel := context.WithTimeout(ctx, oe.timeout)
	defer cancel()

	bal, err := oe.ex.GetBalance(callCtx, currency)
	if err != nil {
		oe.log.Debug("balance unavailable", utils.Err(err))
		return 0
	}
	f := bal.InexactFloat64()
	UpdateBalance(oe.ex.GetName(), f)
	return f
}
