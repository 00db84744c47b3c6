package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Границы торгового дня (локальные часы процесса), разбор интервалов свечей
// в нотации биржи и расчёт момента закрытия следующей свечи.
//
// Функции:
// - DayKey: ключ торгового дня (YYYY-MM-DD)
// - GetDayStartFrom: начало дня (00:00:00) в часовом поясе времени t
// - ParseBar: "1m", "15m", "1H", "4H", "1D" -> time.Duration
// - NextCandleClose: время закрытия текущей свечи
// - FormatDuration: человекочитаемая продолжительность

// DayKeyLayout - формат ключа торгового дня
const DayKeyLayout = "2006-01-02"

// DayKey возвращает ключ торгового дня для времени t в его часовом поясе
//
// Пример:
//
//	DayKey(time.Date(2024, 1, 15, 23, 59, 0, 0, time.Local)) // "2024-01-15"
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// GetDayStartFrom возвращает начало дня для указанного времени (часовой пояс сохраняется)
func GetDayStartFrom(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseBar конвертирует интервал свечи в нотации OKX в time.Duration.
//
// Поддерживаются суффиксы: m (минуты), H (часы), D (дни), W (недели).
// Суффикс "m" регистрозависим: "1M" (месяц) не поддерживается.
//
// Примеры:
//   - ParseBar("1m") = 1m0s
//   - ParseBar("4H") = 4h0m0s
//   - ParseBar("1D") = 24h0m0s
func ParseBar(bar string) (time.Duration, error) {
	bar = strings.TrimSpace(bar)
	if len(bar) < 2 {
		return 0, fmt.Errorf("invalid bar %q", bar)
	}

	n, err := strconv.Atoi(bar[:len(bar)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid bar %q", bar)
	}

	var unit time.Duration
	switch bar[len(bar)-1] {
	case 'm':
		unit = time.Minute
	case 'H', 'h':
		unit = time.Hour
	case 'D', 'd':
		unit = 24 * time.Hour
	case 'W', 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported bar unit in %q", bar)
	}

	return time.Duration(n) * unit, nil
}

// NextCandleClose возвращает момент закрытия свечи, открытой в openTime
func NextCandleClose(openTime time.Time, interval time.Duration) time.Time {
	return openTime.Add(interval)
}

// UntilNextCandle возвращает время ожидания до закрытия свечи, ограниченное [min, interval]
func UntilNextCandle(now, openTime time.Time, interval, min time.Duration) time.Duration {
	wait := NextCandleClose(openTime, interval).Sub(now)
	if wait < min {
		return min
	}
	if wait > interval {
		return interval
	}
	return wait
}

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d >= time.Hour {
		return d.Truncate(time.Minute).String()
	}
	return d.Truncate(time.Second).String()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
