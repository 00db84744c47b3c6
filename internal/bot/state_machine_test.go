package bot

import "testing"

// TestCanTransition проверяет переходы цикла стратегии
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		// запуск
		{"STOPPED → WAITING (start)", LoopStopped, LoopWaitingForCandle, true},

		// новая свеча
		{"WAITING → EVALUATING (new candle)", LoopWaitingForCandle, LoopEvaluating, true},
		{"WAITING → STOPPED (shutdown)", LoopWaitingForCandle, LoopStopped, true},

		// результат оценки
		{"EVALUATING → IDLE (no action)", LoopEvaluating, LoopIdle, true},
		{"EVALUATING → ACTING (decision)", LoopEvaluating, LoopActing, true},
		{"EVALUATING → WAITING (tick error)", LoopEvaluating, LoopWaitingForCandle, true},

		// возврат в ожидание
		{"IDLE → WAITING", LoopIdle, LoopWaitingForCandle, true},
		{"ACTING → WAITING", LoopActing, LoopWaitingForCandle, true},

		// недопустимые
		{"WAITING → ACTING (skip evaluation)", LoopWaitingForCandle, LoopActing, false},
		{"WAITING → IDLE", LoopWaitingForCandle, LoopIdle, false},
		{"IDLE → ACTING", LoopIdle, LoopActing, false},
		{"ACTING → EVALUATING", LoopActing, LoopEvaluating, false},
		{"ACTING → STOPPED (mid-order)", LoopActing, LoopStopped, false},
		{"STOPPED → EVALUATING", LoopStopped, LoopEvaluating, false},
		{"self transition", LoopEvaluating, LoopEvaluating, false},
		{"unknown from", "bogus", LoopIdle, false},
		{"unknown to", LoopIdle, "bogus", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// TestValidTransitions_AllTargetsKnown проверяет, что все цели переходов - известные состояния
func TestValidTransitions_AllTargetsKnown(t *testing.T) {
	for from, targets := range ValidTransitions {
		for _, to := range targets {
			if _, ok := ValidTransitions[to]; !ok {
				t.Errorf("переход %s → %s ведёт в неизвестное состояние", from, to)
			}
		}
	}
}

// TestStateInfo проверяет описания состояний
func TestStateInfo(t *testing.T) {
	for state := range ValidTransitions {
		if info := StateInfo(state); info == "Неизвестное состояние" {
			t.Errorf("нет описания для %s", state)
		}
	}
	if info := StateInfo("bogus"); info != "Неизвестное состояние" {
		t.Errorf("StateInfo(bogus) = %q", info)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{LoopWaitingForCandle, false},
		{LoopEvaluating, true},
		{LoopIdle, false},
		{LoopActing, true},
		{LoopStopped, false},
	}

	for _, tt := range tests {
		if got := IsBusy(tt.state); got != tt.want {
			t.Errorf("IsBusy(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
