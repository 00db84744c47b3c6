package bot

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"perpbot/internal/config"
	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

// RiskStateStore - хранилище дневного состояния (переживает рестарт в течение дня)
type RiskStateStore interface {
	// GetByDay возвращает состояние дня или nil, если записи нет
	GetByDay(ctx context.Context, dayKey string) (*models.RiskState, error)
	Upsert(ctx context.Context, st *models.RiskState) error
}

// DailyGovernor ведёт RiskState: смена дня, серия убытков, защёлка блокировки входов
type DailyGovernor struct {
	mu     sync.RWMutex
	state  models.RiskState
	policy *RiskPolicy
	cfg    config.RiskConfig
	store  RiskStateStore
	log    *utils.Logger

	now       func() time.Time
	randFloat func() float64
}

// NewDailyGovernor создаёт governor; store может быть nil
func NewDailyGovernor(cfg config.RiskConfig, policy *RiskPolicy, store RiskStateStore, log *utils.Logger) *DailyGovernor {
	if log == nil {
		log = utils.L()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &DailyGovernor{
		policy:    policy,
		cfg:       cfg,
		store:     store,
		log:       log.WithComponent("governor"),
		now:       time.Now,
		randFloat: rng.Float64,
	}
}

// State возвращает копию текущего состояния
func (g *DailyGovernor) State() models.RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// IsLocked - заблокированы ли входы на текущий день
func (g *DailyGovernor) IsLocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.LockedForDay && g.state.DayKey == utils.DayKey(g.now())
}

// Restore загружает состояние текущего дня из хранилища (рестарт в течение дня)
func (g *DailyGovernor) Restore(ctx context.Context) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	dayKey := utils.DayKey(g.now())
	st, err := g.store.GetByDay(ctx, dayKey)
	if err != nil || st == nil {
		return false, err
	}

	g.mu.Lock()
	g.state = *st
	g.mu.Unlock()
	return true, nil
}

// rollLocked пересоздаёт состояние при смене даты
func (g *DailyGovernor) rollLocked(balance float64) bool {
	dayKey := utils.DayKey(g.now())
	if g.state.DayKey == dayKey {
		return false
	}

	target := g.cfg.DailyProfitTargetMin
	if spread := g.cfg.DailyProfitTargetMax - g.cfg.DailyProfitTargetMin; spread > 0 {
		target += g.randFloat() * spread
	}

	g.state = models.RiskState{
		DayKey:          dayKey,
		InitialBalance:  balance,
		ProfitTargetPct: utils.Clamp(utils.Round2(target), g.cfg.DailyProfitTargetMin, g.cfg.DailyProfitTargetMax),
		MaxLossPct:      g.cfg.MaxDailyLossPct,
		UpdatedAt:       g.now(),
	}
	return true
}

// Evaluate выполняется первым шагом каждого тика новой свечи.
// balance <= 0 - баланс недоступен. Возвращает состояние и признак блокировки, установленной этим вызовом.
func (g *DailyGovernor) Evaluate(ctx context.Context, balance float64) (models.RiskState, bool) {
	g.mu.Lock()

	rolled := g.rollLocked(balance)
	if g.state.InitialBalance <= 0 && balance > 0 {
		// баланс был недоступен на первом тике дня
		g.state.InitialBalance = balance
		rolled = true
	}

	wasLocked := g.state.LockedForDay
	d := g.policy.CheckDailyLimits(balance, g.state)
	newlyLocked := d.Lock && !wasLocked
	if newlyLocked {
		g.state.LockedForDay = true
		g.state.LockReason = d.Reason
	}
	if newlyLocked || rolled {
		g.state.UpdatedAt = g.now()
	}

	st := g.state
	g.mu.Unlock()

	if rolled {
		g.log.Info("trading day started",
			utils.String("day", st.DayKey),
			utils.Float64("initial_balance", st.InitialBalance),
			utils.Float64("profit_target_pct", st.ProfitTargetPct))
	}
	if newlyLocked {
		g.log.Warn("entries locked for the day", utils.Reason(st.LockReason))
	}
	if rolled || newlyLocked {
		g.persist(ctx, st)
	}

	return st, newlyLocked
}

// ExitResult - итог одного выхода для дневного учёта
type ExitResult struct {
	PnlPct   float64 // доходность закрытой части, %
	Fraction float64 // доля закрытой части от открытого объёма сделки
	Final    bool    // позиция закрыта полностью

	// TradePnlPct - взвешенная доходность всей сделки; при Final определяет
	// выигрыш или проигрыш для серии убытков
	TradePnlPct float64
}

// RecordExit учитывает закрытие. Только полные закрытия меняют серию убытков.
// Возвращает признак новой блокировки по серии.
func (g *DailyGovernor) RecordExit(ctx context.Context, x ExitResult) (models.RiskState, bool) {
	g.mu.Lock()

	// баланс нового дня зафиксирует ближайший Evaluate
	g.rollLocked(0)

	g.state.RealizedPnlPct += x.PnlPct * x.Fraction
	g.state.TradeCount++
	if x.Final {
		switch {
		case x.TradePnlPct < 0:
			g.state.ConsecutiveLosses++
		case x.TradePnlPct > 0:
			g.state.ConsecutiveLosses = 0
		}
	}

	newlyLocked := false
	if !g.state.LockedForDay && g.cfg.MaxConsecutiveLosses > 0 && g.state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		d := g.policy.CheckDailyLimits(0, g.state)
		g.state.LockedForDay = true
		g.state.LockReason = d.Reason
		newlyLocked = true
	}
	g.state.UpdatedAt = g.now()

	st := g.state
	g.mu.Unlock()

	g.persist(ctx, st)
	return st, newlyLocked
}

func (g *DailyGovernor) persist(ctx context.Context, st models.RiskState) {
	if g.store == nil {
		return
	}
	if err := g.store.Upsert(ctx, &st); err != nil {
		g.log.Warn("failed to persist risk state", utils.Err(err))
	}
}
