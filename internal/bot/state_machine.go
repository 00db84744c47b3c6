package bot

// Состояния StrategyLoop
const (
	LoopWaitingForCandle = "waiting_for_candle"
	LoopEvaluating       = "evaluating"
	LoopIdle             = "idle"
	LoopActing           = "acting"
	LoopStopped          = "stopped"
)

// ValidTransitions определяет допустимые переходы между состояниями цикла стратегии
var ValidTransitions = map[string][]string{
	LoopStopped:          {LoopWaitingForCandle},
	LoopWaitingForCandle: {LoopEvaluating, LoopStopped},
	LoopEvaluating:       {LoopIdle, LoopActing, LoopWaitingForCandle}, // WaitingForCandle при ошибке тика
	LoopIdle:             {LoopWaitingForCandle},
	LoopActing:           {LoopWaitingForCandle},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case LoopStopped:
		return "Цикл стратегии остановлен"
	case LoopWaitingForCandle:
		return "Ожидание закрытия свечи"
	case LoopEvaluating:
		return "Оценка новой свечи..."
	case LoopIdle:
		return "Действий не требуется"
	case LoopActing:
		return "Исполнение решения..."
	default:
		return "Неизвестное состояние"
	}
}

// IsBusy возвращает true, пока цикл обрабатывает свечу
func IsBusy(s string) bool {
	return s == LoopEvaluating || s == LoopActing
}
