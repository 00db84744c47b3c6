package bot

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

// SideNone - позиции нет
const SideNone = "none"

var (
	// ErrAlreadyOpen - попытка открыть позицию поверх открытой
	ErrAlreadyOpen = errors.New("position already open")
	// ErrInvalidOpen - неверная сторона, объём или цена при открытии
	ErrInvalidOpen = errors.New("invalid open parameters")
	// ErrInvalidRatio - доля частичного закрытия вне (0, 1]
	ErrInvalidRatio = errors.New("partial close ratio must be in (0, 1]")
	// ErrNoPosition - операция требует открытой позиции
	ErrNoPosition = errors.New("no open position")
)

// PositionSnapshot - копия состояния позиции на момент чтения
type PositionSnapshot struct {
	Side       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal

	CurrentProfitPct float64 // движение цены от входа, %
	PeakProfitPct    float64 // максимум CurrentProfitPct с момента открытия (не ниже 0)
	BarsHeld         int
	TPLevelsTaken    int // сколько уровней тейк-профита (по возрастанию) уже исполнено
	ScaleIns         int
	OpenedAt         time.Time

	// учёт частичных выходов одной сделки
	OpenedSize     decimal.Decimal // суммарный открытый объём (вход + доборы)
	ClosedSize     decimal.Decimal // объём, уже закрытый частями
	RealizedPnlSum float64         // сумма pnl% * объём по частичным выходам
}

// IsOpen - есть ли позиция
func (s PositionSnapshot) IsOpen() bool {
	return s.Side != SideNone
}

// View преобразует снимок в модель для API
func (s PositionSnapshot) View() models.PositionView {
	v := models.PositionView{
		Side:          s.Side,
		Size:          s.Size.String(),
		EntryPrice:    s.EntryPrice.String(),
		MarkPrice:     s.MarkPrice.String(),
		ProfitPct:     utils.Round2(s.CurrentProfitPct),
		PeakProfitPct: utils.Round2(s.PeakProfitPct),
		BarsHeld:      s.BarsHeld,
		TPLevelsTaken: s.TPLevelsTaken,
		ScaleIns:      s.ScaleIns,
	}
	if s.IsOpen() {
		opened := s.OpenedAt
		v.OpenedAt = &opened
	}
	return v
}

// FractionOfOpened - доля объёма size от открытого объёма сделки, не больше 1
func (s PositionSnapshot) FractionOfOpened(size decimal.Decimal) float64 {
	if !s.OpenedSize.IsPositive() {
		return 1
	}
	f := size.Div(s.OpenedSize).InexactFloat64()
	if f > 1 {
		return 1
	}
	return f
}

// TradePnlPct - средневзвешенная по объёму доходность сделки,
// если остаток закрывается с доходностью lastPct
func (s PositionSnapshot) TradePnlPct(lastPct float64) float64 {
	total := s.ClosedSize.Add(s.Size)
	if !total.IsPositive() {
		return lastPct
	}
	sum := s.RealizedPnlSum + lastPct*s.Size.InexactFloat64()
	return sum / total.InexactFloat64()
}

func emptySnapshot() PositionSnapshot {
	return PositionSnapshot{Side: SideNone}
}

// PositionState - единственная авторитетная запись о позиции по инструменту.
//
// Инвариант: Side == none => Size, PeakProfitPct, BarsHeld нулевые; Side != none => Size > 0.
// Мутации выполняются под торговой блокировкой движка; собственный RWMutex
// позволяет API читать снимок, не трогая торговую блокировку.
type PositionState struct {
	mu      sync.RWMutex
	pos     PositionSnapshot
	lotSize decimal.Decimal
	now     func() time.Time
}

// NewPositionState создаёт пустую позицию
func NewPositionState(lotSize decimal.Decimal) *PositionState {
	return &PositionState{
		pos:     emptySnapshot(),
		lotSize: lotSize,
		now:     time.Now,
	}
}

// Snapshot возвращает копию текущего состояния
func (ps *PositionState) Snapshot() PositionSnapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.pos
}

// Open фиксирует подтверждённое биржей открытие
func (ps *PositionState) Open(side string, size, entryPrice decimal.Decimal) error {
	if (side != exchange.SideLong && side != exchange.SideShort) || !size.IsPositive() || !entryPrice.IsPositive() {
		return ErrInvalidOpen
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.pos.IsOpen() {
		return ErrAlreadyOpen
	}

	ps.pos = PositionSnapshot{
		Side:       side,
		Size:       size,
		EntryPrice: entryPrice,
		MarkPrice:  entryPrice,
		OpenedAt:   ps.now(),
		OpenedSize: size,
	}
	return nil
}

// Adopt принимает позицию, найденную на бирже (восстановление после рестарта, рассинхронизация)
func (ps *PositionState) Adopt(p *exchange.Position) error {
	if p == nil {
		return ErrInvalidOpen
	}
	if err := ps.Open(p.Side, p.Size, p.EntryPrice); err != nil {
		return err
	}
	if p.MarkPrice.IsPositive() {
		ps.UpdateMark(p.MarkPrice, p.UnrealizedPnlPct)
	}
	return nil
}

// UpdateMark обновляет цену маркировки и доходность; пик только растёт
func (ps *PositionState) UpdateMark(markPrice decimal.Decimal, profitPct float64) PositionSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return ps.pos
	}

	ps.pos.MarkPrice = markPrice
	ps.pos.CurrentProfitPct = profitPct
	if profitPct > ps.pos.PeakProfitPct {
		ps.pos.PeakProfitPct = profitPct
	}
	return ps.pos
}

// Close сбрасывает позицию; на пустой позиции - успешный no-op
func (ps *PositionState) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.pos = emptySnapshot()
	return nil
}

// PlanPartialClose вычисляет объём частичного закрытия без изменения состояния.
//
// Объём округляется вниз до шага лота (минимум один лот). Если остаток меньше лота,
// закрытие становится полным (full = true).
func (ps *PositionState) PlanPartialClose(ratio float64) (closeSize decimal.Decimal, full bool, err error) {
	if ratio <= 0 || ratio > 1 {
		return decimal.Zero, false, ErrInvalidRatio
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if !ps.pos.IsOpen() {
		return decimal.Zero, false, nil
	}
	return ps.planLocked(ratio)
}

func (ps *PositionState) planLocked(ratio float64) (decimal.Decimal, bool, error) {
	size := ps.pos.Size
	if ratio >= 1 {
		return size, true, nil
	}

	closeSize := utils.PercentOf(size, ratio, ps.lotSize)
	if !closeSize.IsPositive() {
		closeSize = ps.lotSize
		if !closeSize.IsPositive() {
			closeSize = size.Mul(decimal.NewFromFloat(ratio))
		}
	}
	if closeSize.GreaterThanOrEqual(size) {
		return size, true, nil
	}

	remainder := utils.RoundToLotSize(size.Sub(closeSize), ps.lotSize)
	if !remainder.IsPositive() {
		return size, true, nil
	}
	return closeSize, false, nil
}

// PartialClose уменьшает объём на долю ratio; остаток, округлённый до нуля, означает полное закрытие.
// На пустой позиции - успешный no-op.
func (ps *PositionState) PartialClose(ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return ErrInvalidRatio
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return nil
	}

	closeSize, full, err := ps.planLocked(ratio)
	if err != nil {
		return err
	}
	if full {
		ps.pos = emptySnapshot()
		return nil
	}
	ps.pos.Size = ps.pos.Size.Sub(closeSize)
	return nil
}

// AddRealized учитывает частичный выход объёма size с доходностью pnlPct
func (ps *PositionState) AddRealized(size decimal.Decimal, pnlPct float64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return
	}
	ps.pos.ClosedSize = ps.pos.ClosedSize.Add(size)
	ps.pos.RealizedPnlSum += pnlPct * size.InexactFloat64()
}

// Scale добавляет объём той же стороны и пересчитывает среднюю цену входа
func (ps *PositionState) Scale(addSize, fillPrice decimal.Decimal) error {
	if !addSize.IsPositive() || !fillPrice.IsPositive() {
		return ErrInvalidOpen
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return ErrNoPosition
	}

	ps.pos.EntryPrice = utils.AverageEntry(ps.pos.Size, ps.pos.EntryPrice, addSize, fillPrice)
	ps.pos.Size = ps.pos.Size.Add(addSize)
	ps.pos.OpenedSize = ps.pos.OpenedSize.Add(addSize)
	ps.pos.ScaleIns++
	ps.pos.CurrentProfitPct = utils.ProfitPct(ps.pos.Side, ps.pos.EntryPrice, ps.pos.MarkPrice)
	return nil
}

// Resize подгоняет объём под биржу (частичное закрытие вне бота)
func (ps *PositionState) Resize(size decimal.Decimal) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return
	}
	if !size.IsPositive() {
		ps.pos = emptySnapshot()
		return
	}
	ps.pos.Size = size
}

// IncrementBars увеличивает счётчик свечей удержания; возвращает новое значение
func (ps *PositionState) IncrementBars() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return 0
	}
	ps.pos.BarsHeld++
	return ps.pos.BarsHeld
}

// MarkTakeProfitLevel отмечает уровень (индекс по возрастанию порога) и все ниже него исполненными
func (ps *PositionState) MarkTakeProfitLevel(level int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.pos.IsOpen() {
		return
	}
	if level+1 > ps.pos.TPLevelsTaken {
		ps.pos.TPLevelsTaken = level + 1
	}
}
