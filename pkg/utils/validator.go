package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Функции:
// - ValidateInstrument: формат инструмента OKX (BTC-USDT-SWAP)
// - ExtractBaseCurrency / ExtractQuoteCurrency: части инструмента
// - ValidatePercentage: процент в диапазоне (0, max]
// - ValidateRatio: доля закрытия в диапазоне (0, 1]
// - ValidateLeverage: плечо 1..125

var (
	ErrEmptyInstrument   = errors.New("instrument cannot be empty")
	ErrInvalidInstrument = errors.New("instrument must look like BASE-QUOTE or BASE-QUOTE-SWAP")
)

var instrumentRe = regexp.MustCompile(`^[A-Z0-9]{1,15}-[A-Z0-9]{2,10}(-SWAP)?$`)

// ValidateInstrument проверяет формат инструмента (BTC-USDT-SWAP, ETH-USDT)
func ValidateInstrument(inst string) error {
	if inst == "" {
		return ErrEmptyInstrument
	}
	if !instrumentRe.MatchString(strings.ToUpper(inst)) {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, inst)
	}
	return nil
}

// ExtractBaseCurrency возвращает базовую валюту инструмента (BTC для BTC-USDT-SWAP)
func ExtractBaseCurrency(inst string) string {
	parts := strings.Split(strings.ToUpper(inst), "-")
	return parts[0]
}

// ExtractQuoteCurrency возвращает валюту котировки (USDT для BTC-USDT-SWAP)
func ExtractQuoteCurrency(inst string) string {
	parts := strings.Split(strings.ToUpper(inst), "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// ValidatePercentage проверяет что процент лежит в (0, max]
func ValidatePercentage(name string, value, max float64) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, value)
	}
	if value > max {
		return fmt.Errorf("%s must be at most %v, got %v", name, max, value)
	}
	return nil
}

// ValidateRatio проверяет долю закрытия (0, 1]
func ValidateRatio(ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("ratio must be in (0, 1], got %v", ratio)
	}
	return nil
}

// ValidateLeverage проверяет плечо
func ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125, got %d", leverage)
	}
	return nil
}
