package utils

// logger.go - структурированное логирование на базе zap
//
// Функции:
// - InitLogger: создать logger по LogConfig (json/text, уровень, вывод в файл с ротацией)
// - InitGlobalLogger / SetGlobalLogger / GetGlobalLogger / L: глобальный экземпляр
// - With*: дочерние логгеры с контекстом (компонент, инструмент, сторона)
// - Конструкторы полей предметной области (Side, Price, Size, PNL, Reason, BarsHeld ...)

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig - параметры логирования
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто = stderr
	Development bool

	// Ротация (только для обычных файлов)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger - обёртка над zap.Logger с помощниками предметной области
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт logger по конфигурации.
// Если файл вывода открыть не удалось - пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg), level)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

// openOutput выбирает writer: stderr, файл устройства как есть, обычный файл через lumberjack
func openOutput(cfg LogConfig) zapcore.WriteSyncer {
	if cfg.Output == "" || cfg.Output == "stderr" {
		return zapcore.Lock(os.Stderr)
	}
	if cfg.Output == "stdout" {
		return zapcore.Lock(os.Stdout)
	}

	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		// /dev/null и подобные - без ротации
		return zapcore.Lock(f)
	}
	f.Close()

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.MaxBackups > 0,
	})
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// InitGlobalLogger создаёт logger и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный logger
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный logger, создавая logger по умолчанию при первом вызове
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// NewNopLogger возвращает logger, который ничего не пишет (тесты)
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний logger с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

func (l *Logger) WithSide(side string) *Logger {
	return l.With(Side(side))
}

// ============================================================
// Конструкторы полей
// ============================================================

func Symbol(symbol string) zap.Field { return zap.String("symbol", symbol) }
func OrderID(id string) zap.Field { return zap.String("order_id", id) }
func Price(price float64) zap.Field { return zap.Float64("price", price) }
func Size(size string) zap.Field { return zap.String("size", size) }
func PNL(pnlPct float64) zap.Field { return zap.Float64("pnl", pnlPct) }
func Side(side string) zap.Field { return zap.String("side", side) }
func Signal(signal string) zap.Field { return zap.String("signal", signal) }
func State(state string) zap.Field { return zap.String("state", state) }
func Reason(reason string) zap.Field { return zap.String("reason", reason) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func Component(name string) zap.Field { return zap.String("component", name) }
func BarsHeld(n int) zap.Field { return zap.Int("bars_held", n) }
func CandleTS(tsMillis int64) zap.Field { return zap.Int64("candle_ts", tsMillis) }

// Переэкспорт базовых конструкторов zap
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
)
