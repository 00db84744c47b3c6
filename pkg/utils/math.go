package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для управления позицией
//
// Назначение:
// Вспомогательные функции для расчёта объёмов, цен и доходности.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToLotSize: округление объёма вниз до шага лота биржи
// - ProfitPct: доходность позиции в процентах относительно цены входа
// - AverageEntry: средняя цена входа после добора позиции
// - PercentOf: доля объёма по коэффициенту

var hundred = decimal.NewFromInt(100)

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для округления объёма ордера до минимального шага биржи.
// Округление вниз гарантирует, что частичное закрытие не превысит открытый объём.
//
// Параметры:
//   - value: исходный объём (в контрактах)
//   - lotSize: минимальный шаг изменения объёма на бирже
//
// Возвращает:
//   - Округлённое значение, кратное lotSize
//   - Если lotSize <= 0, возвращает исходное значение
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//   - RoundToLotSize(0.004, 0.01) = 0
func RoundToLotSize(value, lotSize decimal.Decimal) decimal.Decimal {
	if !lotSize.IsPositive() {
		return value
	}
	return value.Div(lotSize).Floor().Mul(lotSize)
}

// ProfitPct расчитывает доходность позиции в процентах (без учёта плеча).
//
// Для long: (mark - entry) / entry * 100
// Для short: (entry - mark) / entry * 100
//
// Возвращает 0 если цена входа не положительна или сторона неизвестна.
//
// Примеры:
//   - ProfitPct("long", 100, 104) = 4.0
//   - ProfitPct("short", 100, 104) = -4.0
func ProfitPct(side string, entry, mark decimal.Decimal) float64 {
	if !entry.IsPositive() {
		return 0
	}

	var diff decimal.Decimal
	switch side {
	case "long":
		diff = mark.Sub(entry)
	case "short":
		diff = entry.Sub(mark)
	default:
		return 0
	}

	pct, _ := diff.Div(entry).Mul(hundred).Float64()
	return pct
}

// AverageEntry расчитывает среднюю цену входа после добора позиции.
//
// Формула: (size*entry + addSize*fillPrice) / (size + addSize)
//
// Если итоговый объём нулевой, возвращает fillPrice.
func AverageEntry(size, entry, addSize, fillPrice decimal.Decimal) decimal.Decimal {
	total := size.Add(addSize)
	if !total.IsPositive() {
		return fillPrice
	}
	return size.Mul(entry).Add(addSize.Mul(fillPrice)).Div(total)
}

// PercentOf возвращает часть объёма по коэффициенту ratio (0..1), округлённую вниз до lotSize.
func PercentOf(size decimal.Decimal, ratio float64, lotSize decimal.Decimal) decimal.Decimal {
	return RoundToLotSize(size.Mul(decimal.NewFromFloat(ratio)), lotSize)
}

// Round2 округляет до 2 знаков (для отображения процентов)
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
