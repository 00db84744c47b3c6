package bot

import (
	"context"
	"sync"
	"time"

	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

// maxBackoffFactor - во сколько раз максимум растягивается интервал при ошибках опроса
const maxBackoffFactor = 4

// SafetyMonitor - быстрый цикл защиты позиции между свечами.
//
// Опрашивает только позицию и её P&L, проверяет realtime tier (flash crash, emergency stop,
// extreme profit) и закрывает позицию сам, не дожидаясь StrategyLoop.
// Неудачное закрытие повторяется на следующей итерации: состояние не изменилось, решение сработает снова.
type SafetyMonitor struct {
	e        *Engine
	log      *utils.Logger
	interval time.Duration

	failures int

	doneOnce sync.Once
	done     chan struct{}
}

func newSafetyMonitor(e *Engine, log *utils.Logger) *SafetyMonitor {
	interval := e.cfg.Bot.RealtimeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SafetyMonitor{
		e:        e,
		log:      log.WithComponent("safety"),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Done закрывается после выхода из Run
func (m *SafetyMonitor) Done() <-chan struct{} {
	return m.done
}

// Run опрашивает позицию каждые interval до отмены ctx или закрытия stopCh
func (m *SafetyMonitor) Run(ctx context.Context, stopCh <-chan struct{}) {
	defer m.doneOnce.Do(func() { close(m.done) })

	m.log.Info("safety monitor started", utils.String("interval", m.interval.String()))
	defer m.log.Info("safety monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		wait := m.interval
		if _, err := m.Poll(ctx); err != nil {
			m.failures++
			wait = m.backoff()
			m.log.Warn("position poll failed", utils.Err(err), utils.String("retry_in", wait.String()))
		} else {
			m.failures = 0
		}

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

func (m *SafetyMonitor) backoff() time.Duration {
	factor := 1
	for i := 0; i < m.failures && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return m.interval * time.Duration(factor)
}

// Poll - одна итерация. Без позиции - no-op без запросов к бирже,
// кроме входа без подтверждённой цены: тогда позиция запрашивается и принимается сверкой.
// Ошибка возвращается только при сбое опроса позиции; сбой закрытия уходит в уведомления,
// а решение возвращается, чтобы следующая итерация повторила закрытие.
func (m *SafetyMonitor) Poll(ctx context.Context) (Decision, error) {
	e := m.e
	if !e.position.Snapshot().IsOpen() && !e.unconfirmed.Load() {
		SafetyPolls.WithLabelValues("flat").Inc()
		return noDecision(), nil
	}

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	// позицию могла закрыть стратегия, пока ждали блокировку
	if !e.position.Snapshot().IsOpen() && !e.unconfirmed.Load() {
		SafetyPolls.WithLabelValues("flat").Inc()
		return noDecision(), nil
	}

	pos, err := e.orders.FetchPosition(ctx)
	if err != nil {
		SafetyPolls.WithLabelValues("error").Inc()
		return noDecision(), err
	}
	e.reconcileWithLocked(ctx, pos, models.SourceSafety)

	snap := e.position.Snapshot()
	d := e.policy.EvaluateRealtime(snap)
	if d.IsNone() {
		SafetyPolls.WithLabelValues("ok").Inc()
		return d, nil
	}

	SafetyPolls.WithLabelValues("triggered").Inc()
	m.log.Warn("realtime exit triggered", utils.Reason(d.Reason), utils.Side(snap.Side), utils.PNL(snap.CurrentProfitPct))
	if err := e.closeFullLocked(ctx, d.Kind, d.Reason, models.SourceSafety); err != nil {
		m.log.Error("realtime close failed, retrying next poll", utils.Err(err))
	}
	return d, nil
}
