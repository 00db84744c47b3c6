package bot

import (
	"fmt"
	"sort"

	"perpbot/internal/config"
	"perpbot/internal/models"
)

// pctEpsilon поглощает ошибку округления float при сравнении с порогами
const pctEpsilon = 1e-9

// Action - действие, предписанное риск-политикой
type Action int

const (
	ActionNone Action = iota
	ActionCloseFull
	ActionClosePartial
)

func (a Action) String() string {
	switch a {
	case ActionCloseFull:
		return "close_full"
	case ActionClosePartial:
		return "close_partial"
	default:
		return "none"
	}
}

// Причины выхода (метки метрик и журнала)
const (
	ExitTrailingStop  = "trailing_stop"
	ExitFixedStop     = "fixed_stop"
	ExitTimeStop      = "time_stop"
	ExitTakeProfit    = "take_profit"
	ExitFlashCrash    = "flash_crash"
	ExitEmergencyStop = "emergency_stop"
	ExitExtremeProfit = "extreme_profit"
	ExitIndicator     = "indicator_stop"
	ExitReversal      = "signal_reversal"
	ExitManual        = "manual"
	ExitShutdown      = "shutdown"
)

// Decision - решение риск-политики для одного тика
type Decision struct {
	Action Action
	Ratio  float64 // доля закрытия для ActionClosePartial
	Kind   string  // Exit* константа
	Reason string  // человекочитаемая причина
	Level  int     // индекс уровня тейк-профита, -1 для остальных
}

// IsNone - решения нет
func (d Decision) IsNone() bool {
	return d.Action == ActionNone
}

func noDecision() Decision {
	return Decision{Action: ActionNone, Level: -1}
}

func closeFull(kind, reason string) Decision {
	return Decision{Action: ActionCloseFull, Ratio: 1, Kind: kind, Reason: reason, Level: -1}
}

// RiskPolicy - чистые функции оценки риска.
//
// Kline tier (раз в свечу): trailing stop → fixed stop → time stop → take profit.
// Realtime tier (SafetyMonitor): flash crash → emergency stop → extreme profit.
// Первое сработавшее правило прекращает проверку.
type RiskPolicy struct {
	cfg    config.RiskConfig
	levels []config.TakeProfitLevel
}

// NewRiskPolicy создаёт политику; уровни тейк-профита сортируются по возрастанию порога
func NewRiskPolicy(cfg config.RiskConfig) *RiskPolicy {
	levels := make([]config.TakeProfitLevel, len(cfg.TakeProfitLevels))
	copy(levels, cfg.TakeProfitLevels)
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdPct < levels[j].ThresholdPct
	})

	return &RiskPolicy{cfg: cfg, levels: levels}
}

// Levels возвращает отсортированные уровни тейк-профита
func (p *RiskPolicy) Levels() []config.TakeProfitLevel {
	return p.levels
}

// ============================================================
// Kline tier
// ============================================================

// EvaluateKline проверяет открытую позицию на закрытой свече
func (p *RiskPolicy) EvaluateKline(s PositionSnapshot) Decision {
	if !s.IsOpen() {
		return noDecision()
	}
	cur := s.CurrentProfitPct

	if p.cfg.TrailingStopPct > 0 && s.PeakProfitPct > p.cfg.TrailingActivationPct {
		drawdown := s.PeakProfitPct - cur
		if drawdown >= p.cfg.TrailingStopPct-pctEpsilon {
			return closeFull(ExitTrailingStop, fmt.Sprintf("trailing stop: peak %.2f%%, now %.2f%%", s.PeakProfitPct, cur))
		}
	}

	if p.cfg.StopLossPct > 0 && cur <= -p.cfg.StopLossPct+pctEpsilon {
		return closeFull(ExitFixedStop, fmt.Sprintf("fixed stop: %.2f%% <= -%.2f%%", cur, p.cfg.StopLossPct))
	}

	if p.cfg.MaxHoldBars > 0 && s.BarsHeld >= p.cfg.MaxHoldBars {
		return closeFull(ExitTimeStop, fmt.Sprintf("time stop: held %d bars", s.BarsHeld))
	}

	return p.takeProfit(s)
}

// takeProfit выбирает один уровень за тик: самый высокий достигнутый среди ещё не исполненных
func (p *RiskPolicy) takeProfit(s PositionSnapshot) Decision {
	chosen := -1
	for i := s.TPLevelsTaken; i < len(p.levels); i++ {
		if s.CurrentProfitPct >= p.levels[i].ThresholdPct-pctEpsilon {
			chosen = i
		}
	}
	if chosen < 0 {
		return noDecision()
	}

	level := p.levels[chosen]
	reason := fmt.Sprintf("take profit %.2f%%: profit %.2f%%, closing %.0f%%", level.ThresholdPct, s.CurrentProfitPct, level.ClosePct)

	if level.ClosePct >= 100 {
		d := closeFull(ExitTakeProfit, reason)
		d.Level = chosen
		return d
	}
	return Decision{
		Action: ActionClosePartial,
		Ratio:  level.ClosePct / 100,
		Kind:   ExitTakeProfit,
		Reason: reason,
		Level:  chosen,
	}
}

// ============================================================
// Realtime tier
// ============================================================

// EvaluateRealtime - быстрые проверки по опросу P&L позиции
func (p *RiskPolicy) EvaluateRealtime(s PositionSnapshot) Decision {
	if !s.IsOpen() {
		return noDecision()
	}
	cur := s.CurrentProfitPct

	if p.cfg.FlashCrashPct > 0 && cur <= -p.cfg.FlashCrashPct+pctEpsilon {
		return closeFull(ExitFlashCrash, fmt.Sprintf("flash crash: %.2f%% <= -%.2f%%", cur, p.cfg.FlashCrashPct))
	}
	if p.cfg.EmergencyStopPct > 0 && cur <= -p.cfg.EmergencyStopPct+pctEpsilon {
		return closeFull(ExitEmergencyStop, fmt.Sprintf("emergency stop: %.2f%% <= -%.2f%%", cur, p.cfg.EmergencyStopPct))
	}
	if p.cfg.ExtremeProfitPct > 0 && cur >= p.cfg.ExtremeProfitPct-pctEpsilon {
		return closeFull(ExitExtremeProfit, fmt.Sprintf("extreme profit: %.2f%% >= %.2f%%", cur, p.cfg.ExtremeProfitPct))
	}
	return noDecision()
}

// ============================================================
// Дневные лимиты
// ============================================================

// Причины дневной блокировки
const (
	LockProfitTarget      = "profit target reached"
	LockMaxDailyLoss      = "max daily loss breached"
	LockConsecutiveLosses = "consecutive losses"
)

// DailyDecision - результат проверки дневных лимитов
type DailyDecision struct {
	Lock   bool
	Reason string
	PnlPct float64 // дневной результат по балансу, если баланс известен
}

// DailyPnlPct - изменение баланса от начала дня в процентах
func DailyPnlPct(balance, initial float64) float64 {
	if initial <= 0 {
		return 0
	}
	return (balance - initial) / initial * 100
}

// CheckDailyLimits проверяет дневные лимиты. balance <= 0 означает, что баланс неизвестен:
// тогда проверяется только серия убытков. Уже заблокированный день остаётся заблокированным.
func (p *RiskPolicy) CheckDailyLimits(balance float64, st models.RiskState) DailyDecision {
	var pnl float64
	known := balance > 0 && st.InitialBalance > 0
	if known {
		pnl = DailyPnlPct(balance, st.InitialBalance)
	}

	if st.LockedForDay {
		return DailyDecision{Lock: true, Reason: st.LockReason, PnlPct: pnl}
	}

	if known {
		if st.ProfitTargetPct > 0 && pnl >= st.ProfitTargetPct-pctEpsilon {
			return DailyDecision{Lock: true, Reason: fmt.Sprintf("%s: %.2f%% >= %.2f%%", LockProfitTarget, pnl, st.ProfitTargetPct), PnlPct: pnl}
		}
		if st.MaxLossPct > 0 && pnl <= -st.MaxLossPct+pctEpsilon {
			return DailyDecision{Lock: true, Reason: fmt.Sprintf("%s: %.2f%% <= -%.2f%%", LockMaxDailyLoss, pnl, st.MaxLossPct), PnlPct: pnl}
		}
	}

	if p.cfg.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= p.cfg.MaxConsecutiveLosses {
		return DailyDecision{Lock: true, Reason: fmt.Sprintf("%s: %d in a row", LockConsecutiveLosses, st.ConsecutiveLosses), PnlPct: pnl}
	}

	return DailyDecision{PnlPct: pnl}
}
