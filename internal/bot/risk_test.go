package bot

import (
	"strings"
	"testing"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

func openSnapshot(side string, current, peak float64, bars, taken int) PositionSnapshot {
	return PositionSnapshot{
		Side:             side,
		Size:             d("1"),
		EntryPrice:       d("100"),
		MarkPrice:        d("100"),
		CurrentProfitPct: current,
		PeakProfitPct:    peak,
		BarsHeld:         bars,
		TPLevelsTaken:    taken,
	}
}

func TestRiskPolicy_EvaluateKline(t *testing.T) {
	policy := NewRiskPolicy(testRiskConfig())

	tests := []struct {
		name      string
		snap      PositionSnapshot
		wantKind  string // "" - решения нет
		wantAct   Action
		wantRatio float64
		wantLevel int
	}{
		{"flat", emptySnapshot(), "", ActionNone, 0, -1},
		{"quiet", openSnapshot(exchange.SideLong, 0.5, 0.8, 3, 0), "", ActionNone, 0, -1},

		// trailing stop
		{"trailing: peak 6 now 4.8", openSnapshot(exchange.SideLong, 4.8, 6, 5, 0), ExitTrailingStop, ActionCloseFull, 1, -1},
		{"trailing: drawdown exactly 1.0", openSnapshot(exchange.SideShort, 2.5, 3.5, 5, 2), ExitTrailingStop, ActionCloseFull, 1, -1},
		{"trailing inactive at peak 1.0", openSnapshot(exchange.SideLong, 0, 1.0, 5, 0), "", ActionNone, 0, -1},
		{"trailing: drawdown 0.9 holds", openSnapshot(exchange.SideLong, 5.1, 6, 5, 3), "", ActionNone, 0, -1},

		// fixed stop
		{"fixed stop at -2.0", openSnapshot(exchange.SideLong, -2.0, 0, 1, 0), ExitFixedStop, ActionCloseFull, 1, -1},
		{"fixed stop at -2.5", openSnapshot(exchange.SideShort, -2.5, 0.3, 1, 0), ExitFixedStop, ActionCloseFull, 1, -1},
		{"-1.9 holds", openSnapshot(exchange.SideLong, -1.9, 0, 1, 0), "", ActionNone, 0, -1},

		// time stop
		{"time stop at 20 bars", openSnapshot(exchange.SideShort, 0, 0, 20, 0), ExitTimeStop, ActionCloseFull, 1, -1},
		{"19 bars holds", openSnapshot(exchange.SideShort, 0, 0, 19, 0), "", ActionNone, 0, -1},

		// take profit
		{"tp 1.5 -> 30%", openSnapshot(exchange.SideLong, 1.6, 1.6, 2, 0), ExitTakeProfit, ActionClosePartial, 0.3, 0},
		{"tp at 4% picks 3.0 -> 50%", openSnapshot(exchange.SideLong, 4.0, 4.0, 2, 0), ExitTakeProfit, ActionClosePartial, 0.5, 1},
		{"tp 3.0 after 1.5 taken", openSnapshot(exchange.SideLong, 3.2, 3.2, 2, 1), ExitTakeProfit, ActionClosePartial, 0.5, 1},
		{"tp levels exhausted below 5%", openSnapshot(exchange.SideLong, 4.0, 4.0, 2, 2), "", ActionNone, 0, -1},
		{"tp 5.0 -> full close", openSnapshot(exchange.SideShort, 5.2, 5.2, 2, 2), ExitTakeProfit, ActionCloseFull, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.EvaluateKline(tt.snap)
			if got.Kind != tt.wantKind || got.Action != tt.wantAct {
				t.Fatalf("EvaluateKline() = %s/%s (%s), want %s/%s", got.Action, got.Kind, got.Reason, tt.wantAct, tt.wantKind)
			}
			if tt.wantKind == "" {
				if !got.IsNone() {
					t.Errorf("ожидалось отсутствие решения: %+v", got)
				}
				return
			}
			if got.Ratio != tt.wantRatio || got.Level != tt.wantLevel {
				t.Errorf("ratio %v level %d, want %v level %d", got.Ratio, got.Level, tt.wantRatio, tt.wantLevel)
			}
			if got.Reason == "" {
				t.Error("пустая причина")
			}
		})
	}
}

// TestRiskPolicy_KlinePriority - при одновременном срабатывании побеждает правило с высшим приоритетом
func TestRiskPolicy_KlinePriority(t *testing.T) {
	policy := NewRiskPolicy(testRiskConfig())

	tests := []struct {
		name string
		snap PositionSnapshot
		want string
	}{
		// trailing (1) и tp 1.5% (4)
		{"trailing beats take profit", openSnapshot(exchange.SideLong, 1.8, 3.0, 2, 0), ExitTrailingStop},
		// trailing (1) и fixed stop (2)
		{"trailing beats fixed stop", openSnapshot(exchange.SideLong, -2.5, 1.5, 2, 0), ExitTrailingStop},
		// fixed stop (2) и time stop (3)
		{"fixed stop beats time stop", openSnapshot(exchange.SideShort, -3, 0, 25, 0), ExitFixedStop},
		// time stop (3) и tp (4)
		{"time stop beats take profit", openSnapshot(exchange.SideShort, 1.6, 1.6, 20, 0), ExitTimeStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.EvaluateKline(tt.snap); got.Kind != tt.want {
				t.Errorf("EvaluateKline() = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestRiskPolicy_EvaluateRealtime(t *testing.T) {
	policy := NewRiskPolicy(testRiskConfig())

	tests := []struct {
		name    string
		current float64
		want    string
	}{
		{"flash crash -5.5", -5.5, ExitFlashCrash},
		{"flash crash exactly -5", -5.0, ExitFlashCrash},
		{"emergency -3.5", -3.5, ExitEmergencyStop},
		{"emergency exactly -3", -3.0, ExitEmergencyStop},
		{"extreme profit 8", 8.0, ExitExtremeProfit},
		{"extreme profit 12", 12.0, ExitExtremeProfit},
		{"-2.9 holds", -2.9, ""},
		{"7.9 holds", 7.9, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.EvaluateRealtime(openSnapshot(exchange.SideLong, tt.current, 0, 1, 0))
			if got.Kind != tt.want {
				t.Fatalf("EvaluateRealtime(%v) = %q, want %q", tt.current, got.Kind, tt.want)
			}
			if tt.want != "" && got.Action != ActionCloseFull {
				t.Errorf("realtime решение должно быть полным закрытием: %s", got.Action)
			}
		})
	}

	if got := policy.EvaluateRealtime(emptySnapshot()); !got.IsNone() {
		t.Errorf("EvaluateRealtime() на пустой позиции: %+v", got)
	}
}

func TestRiskPolicy_DisabledRules(t *testing.T) {
	cfg := testRiskConfig()
	cfg.TrailingStopPct = 0
	cfg.StopLossPct = 0
	cfg.MaxHoldBars = 0
	cfg.TakeProfitLevels = nil
	cfg.FlashCrashPct = 0
	cfg.EmergencyStopPct = 0
	cfg.ExtremeProfitPct = 0
	policy := NewRiskPolicy(cfg)

	snap := openSnapshot(exchange.SideLong, -50, 60, 500, 0)
	if got := policy.EvaluateKline(snap); !got.IsNone() {
		t.Errorf("EvaluateKline() с выключенными правилами: %+v", got)
	}
	if got := policy.EvaluateRealtime(snap); !got.IsNone() {
		t.Errorf("EvaluateRealtime() с выключенными правилами: %+v", got)
	}
}

func TestNewRiskPolicy_SortsLevels(t *testing.T) {
	cfg := testRiskConfig()
	cfg.TakeProfitLevels = []config.TakeProfitLevel{
		{ThresholdPct: 5, ClosePct: 100},
		{ThresholdPct: 1.5, ClosePct: 30},
		{ThresholdPct: 3, ClosePct: 50},
	}
	policy := NewRiskPolicy(cfg)

	levels := policy.Levels()
	for i := 1; i < len(levels); i++ {
		if levels[i-1].ThresholdPct > levels[i].ThresholdPct {
			t.Fatalf("уровни не отсортированы: %+v", levels)
		}
	}
	if cfg.TakeProfitLevels[0].ThresholdPct != 5 {
		t.Error("исходный срез конфигурации изменён")
	}
}

func TestRiskPolicy_CheckDailyLimits(t *testing.T) {
	policy := NewRiskPolicy(testRiskConfig())
	base := models.RiskState{DayKey: "2024-01-15", InitialBalance: 10000, ProfitTargetPct: 3, MaxLossPct: 5}

	tests := []struct {
		name       string
		balance    float64
		mutate     func(st *models.RiskState)
		wantLock   bool
		wantReason string
	}{
		{"flat day", 10000, nil, false, ""},
		{"small loss", 9600, nil, false, ""},
		{"max loss exactly -5%", 9500, nil, true, LockMaxDailyLoss},
		{"max loss -6%", 9400, nil, true, LockMaxDailyLoss},
		{"profit target +3%", 10300, nil, true, LockProfitTarget},
		{"profit below target", 10290, nil, false, ""},
		{"consecutive losses", 10000, func(st *models.RiskState) { st.ConsecutiveLosses = 3 }, true, LockConsecutiveLosses},
		{"balance unknown", 0, nil, false, ""},
		{"balance unknown, losses still count", 0, func(st *models.RiskState) { st.ConsecutiveLosses = 4 }, true, LockConsecutiveLosses},
		{"no initial balance", 9000, func(st *models.RiskState) { st.InitialBalance = 0 }, false, ""},
		{"already locked stays locked", 10000, func(st *models.RiskState) {
			st.LockedForDay = true
			st.LockReason = "max daily loss breached: -5.00% <= -5.00%"
		}, true, LockMaxDailyLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := base
			if tt.mutate != nil {
				tt.mutate(&st)
			}
			got := policy.CheckDailyLimits(tt.balance, st)
			if got.Lock != tt.wantLock {
				t.Fatalf("CheckDailyLimits(%v) lock = %v (%s), want %v", tt.balance, got.Lock, got.Reason, tt.wantLock)
			}
			if tt.wantLock && !strings.HasPrefix(got.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want prefix %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestDailyPnlPct(t *testing.T) {
	if got := DailyPnlPct(9500, 10000); got != -5 {
		t.Errorf("DailyPnlPct(9500, 10000) = %v", got)
	}
	if got := DailyPnlPct(100, 0); got != 0 {
		t.Errorf("DailyPnlPct с нулевым начальным балансом = %v", got)
	}
}

func TestAction_String(t *testing.T) {
	for a, want := range map[Action]string{ActionNone: "none", ActionCloseFull: "close_full", ActionClosePartial: "close_partial"} {
		if got := a.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", a, got, want)
		}
	}
}
