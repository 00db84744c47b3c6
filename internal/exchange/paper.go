package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpbot/pkg/utils"
)

// MarketData - источник рыночных данных для paper-режима (публичные эндпоинты OKX)
type MarketData interface {
	GetPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetCandles(ctx context.Context, instrument, bar string, limit int) ([]Candle, error)
}

// PaperConfig - параметры бумажной торговли
type PaperConfig struct {
	Currency       string
	InitialBalance decimal.Decimal
	FeePct         float64 // комиссия тейкера в процентах от notional
	Leverage       int
}

// ErrOppositePosition - попытка открыть позицию против уже открытой
var ErrOppositePosition = errors.New("opposite position is open")

type paperPosition struct {
	side     string
	size     decimal.Decimal
	entry    decimal.Decimal
	leverage int
	openedAt time.Time
}

// Paper - симулятор исполнения поверх реальных котировок.
// Размер позиции трактуется в базовой валюте (ctVal = 1).
type Paper struct {
	market MarketData
	cfg    PaperConfig
	now    func() time.Time

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*paperPosition
	orders    []Order
}

// NewPaper создаёт paper-биржу
func NewPaper(market MarketData, cfg PaperConfig) *Paper {
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &Paper{
		market:    market,
		cfg:       cfg,
		now:       time.Now,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) GetName() string {
	return "paper"
}

func (p *Paper) GetPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return p.market.GetPrice(ctx, instrument)
}

func (p *Paper) GetCandles(ctx context.Context, instrument, bar string, limit int) ([]Candle, error) {
	return p.market.GetCandles(ctx, instrument, bar, limit)
}

// GetTakerVolume передаёт запрос источнику котировок, если тот отдаёт taker статистику
func (p *Paper) GetTakerVolume(ctx context.Context, instrument, period string, limit int) ([]TakerVolume, error) {
	src, ok := p.market.(TakerVolumeSource)
	if !ok {
		return nil, ErrTakerVolumeUnavailable
	}
	return src.GetTakerVolume(ctx, instrument, period, limit)
}

// GetPosition возвращает симулированную позицию с текущей ценой как mark
func (p *Paper) GetPosition(ctx context.Context, instrument string) (*Position, error) {
	p.mu.Lock()
	pos, ok := p.positions[instrument]
	var snapshot paperPosition
	if ok {
		snapshot = *pos
	}
	p.mu.Unlock()

	if !ok {
		return nil, nil
	}

	mark, err := p.market.GetPrice(ctx, instrument)
	if err != nil {
		return nil, err
	}

	pct := utils.ProfitPct(snapshot.side, snapshot.entry, mark)
	return &Position{
		Instrument:       instrument,
		Side:             snapshot.side,
		Size:             snapshot.size,
		EntryPrice:       snapshot.entry,
		MarkPrice:        mark,
		Leverage:         snapshot.leverage,
		UnrealizedPnlPct: pct,
		MarginPnlPct:     pct * float64(snapshot.leverage),
		UpdatedAt:        p.now(),
	}, nil
}

// PlaceMarketOrder исполняет ордер по последней цене
func (p *Paper) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if !req.Size.IsPositive() {
		return nil, &ExchangeError{Exchange: "paper", Code: "51000", Message: "size must be positive"}
	}

	price, err := p.market.GetPrice(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// повтор с тем же clOrdId возвращает исходный ордер
	if req.ClientOrderID != "" {
		for i := range p.orders {
			if p.orders[i].ClientOrderID == req.ClientOrderID {
				order := p.orders[i]
				return &order, nil
			}
		}
	}

	if req.ReduceOnly {
		if err := p.reduceLocked(req.Instrument, req.PosSide, req.Size, price); err != nil {
			return nil, err
		}
	} else {
		if err := p.openLocked(req.Instrument, req.PosSide, req.Size, price); err != nil {
			return nil, err
		}
	}

	order := Order{
		ID:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		PosSide:       req.PosSide,
		Size:          req.Size,
		AvgPrice:      price,
		Status:        OrderStatusFilled,
		CreatedAt:     p.now(),
	}
	p.orders = append(p.orders, order)

	return &order, nil
}

func (p *Paper) openLocked(instrument, side string, size, price decimal.Decimal) error {
	p.chargeFeeLocked(size, price)

	pos, ok := p.positions[instrument]
	if !ok {
		p.positions[instrument] = &paperPosition{
			side:     side,
			size:     size,
			entry:    price,
			leverage: p.cfg.Leverage,
			openedAt: p.now(),
		}
		return nil
	}
	if pos.side != side {
		return &ExchangeError{Exchange: "paper", Code: "51000", Message: ErrOppositePosition.Error(), Original: ErrOppositePosition}
	}

	pos.entry = utils.AverageEntry(pos.size, pos.entry, size, price)
	pos.size = pos.size.Add(size)
	return nil
}

func (p *Paper) reduceLocked(instrument, side string, size, price decimal.Decimal) error {
	pos, ok := p.positions[instrument]
	if !ok || pos.side != side {
		return &ExchangeError{Exchange: "paper", Code: codePositionNotExist, Message: "position does not exist"}
	}
	if size.GreaterThan(pos.size) {
		size = pos.size
	}

	p.realizeLocked(pos, size, price)

	pos.size = pos.size.Sub(size)
	if !pos.size.IsPositive() {
		delete(p.positions, instrument)
	}
	return nil
}

func (p *Paper) realizeLocked(pos *paperPosition, size, price decimal.Decimal) {
	pnl := price.Sub(pos.entry).Mul(size)
	if pos.side == SideShort {
		pnl = pnl.Neg()
	}
	p.balance = p.balance.Add(pnl)
	p.chargeFeeLocked(size, price)
}

func (p *Paper) chargeFeeLocked(size, price decimal.Decimal) {
	if p.cfg.FeePct <= 0 {
		return
	}
	fee := size.Mul(price).Mul(decimal.NewFromFloat(p.cfg.FeePct)).Div(decimal.NewFromInt(100))
	p.balance = p.balance.Sub(fee)
}

// ClosePosition закрывает позицию по последней цене; отсутствие позиции - успех
func (p *Paper) ClosePosition(ctx context.Context, instrument, posSide string) error {
	p.mu.Lock()
	_, ok := p.positions[instrument]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	price, err := p.market.GetPrice(ctx, instrument)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok || (posSide != "" && pos.side != posSide) {
		return nil
	}
	p.realizeLocked(pos, pos.size, price)
	delete(p.positions, instrument)
	return nil
}

// GetBalance возвращает реализованный баланс счёта
func (p *Paper) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if !strings.EqualFold(currency, p.cfg.Currency) {
		return decimal.Zero, fmt.Errorf("%w: paper account holds %s only", ErrBalanceUnavailable, p.cfg.Currency)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// SetLeverage задаёт плечо для новых позиций
func (p *Paper) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	if leverage <= 0 {
		return &ExchangeError{Exchange: "paper", Code: "51000", Message: "leverage must be positive"}
	}
	p.mu.Lock()
	p.cfg.Leverage = leverage
	p.mu.Unlock()
	return nil
}

// Orders возвращает копию журнала исполненных ордеров
func (p *Paper) Orders() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, len(p.orders))
	copy(out, p.orders)
	return out
}

func (p *Paper) Close() error {
	return nil
}
