package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perpbot/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Exchange ExchangeConfig
	Strategy StrategyConfig
	Risk     RiskConfig
	Bot      BotConfig
	Telegram TelegramConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера (API оператора, метрики, WS поток)
type ServerConfig struct {
	Enabled     bool
	Port        int
	Host        string
	CORSOrigins string // дополнительные origins через запятую
}

// DatabaseConfig - настройки подключения к БД (журнал сделок, уведомления, дневной риск)
type DatabaseConfig struct {
	Enabled  bool
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - ключ AES-256 для значений "enc:..." (32 символа или base64)
	EncryptionKey string
	// RelayKey - ключ для POST /api/v1/relay/send (открытый текст или bcrypt хеш)
	RelayKey string
	// APIToken - Bearer токен для управляющих эндпоинтов; пусто = без проверки
	APIToken string
}

// ExchangeConfig - подключение к бирже
type ExchangeConfig struct {
	Mode       string // okx, paper
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
	Demo       bool // заголовок x-simulated-trading: 1
	Timeout    time.Duration

	PaperBalance float64
	PaperFeePct  float64
}

// StrategyConfig - торговые параметры (могут переопределяться YAML файлом)
type StrategyConfig struct {
	Instrument  string  `yaml:"instrument"`
	Bar         string  `yaml:"bar"`
	CandleLimit int     `yaml:"candle_limit"`
	BaseSize    float64 `yaml:"base_size"`
	LotSize     float64 `yaml:"lot_size"`
	Leverage    int     `yaml:"leverage"`

	Feed                 string  `yaml:"feed"` // supertrend, rsi
	SupertrendPeriod     int     `yaml:"supertrend_period"`
	SupertrendMultiplier float64 `yaml:"supertrend_multiplier"`
	RSIPeriod            int     `yaml:"rsi_period"`
	RSIOversold          float64 `yaml:"rsi_oversold"`
	RSIOverbought        float64 `yaml:"rsi_overbought"`
	RSILongStop          float64 `yaml:"rsi_long_stop"`
	RSIShortStop         float64 `yaml:"rsi_short_stop"`

	ScaleInEnabled bool `yaml:"scale_in_enabled"`
	MaxScaleIns    int  `yaml:"max_scale_ins"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// TakeProfitLevel - уровень частичной фиксации прибыли
type TakeProfitLevel struct {
	ThresholdPct float64 `yaml:"threshold_pct" json:"threshold_pct"`
	ClosePct     float64 `yaml:"close_pct" json:"close_pct"`
}

// RiskConfig - параметры риск-политики
type RiskConfig struct {
	StopLossPct           float64           `yaml:"stop_loss_pct"`
	TrailingStopPct       float64           `yaml:"trailing_stop_pct"`
	TrailingActivationPct float64           `yaml:"trailing_activation_pct"`
	TakeProfitLevels      []TakeProfitLevel `yaml:"take_profit_levels"`
	MaxHoldBars           int               `yaml:"max_hold_bars"`

	FlashCrashPct    float64 `yaml:"flash_crash_pct"`
	EmergencyStopPct float64 `yaml:"emergency_stop_pct"`
	ExtremeProfitPct float64 `yaml:"extreme_profit_pct"`

	DailyProfitTargetMin float64 `yaml:"daily_profit_target_min"`
	DailyProfitTargetMax float64 `yaml:"daily_profit_target_max"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
}

// BotConfig - параметры циклов и завершения
type BotConfig struct {
	RealtimeInterval   time.Duration // период SafetyMonitor
	ExchangeTimeout    time.Duration // таймаут одного запроса к бирже под торговой блокировкой
	MonitorStopTimeout time.Duration // ожидание остановки SafetyMonitor
	CloseOnShutdown    bool
	AutoTrade          bool // разрешены ли новые входы при старте
	NotificationBuffer int
	StatusBroadcast    time.Duration // период рассылки статуса в WS
	BalanceCurrency    string
}

// TelegramConfig - уведомления
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string
	Timeout  time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// strategyFile - структура YAML файла стратегии
type strategyFile struct {
	Strategy *StrategyConfig `yaml:"strategy"`
	Risk     *RiskConfig     `yaml:"risk"`
}

// DefaultTakeProfitLevels - 1.5% -> 30%, 3% -> 50%, 5% -> 100%
func DefaultTakeProfitLevels() []TakeProfitLevel {
	return []TakeProfitLevel{
		{ThresholdPct: 1.5, ClosePct: 30},
		{ThresholdPct: 3.0, ClosePct: 50},
		{ThresholdPct: 5.0, ClosePct: 100},
	}
}

// Load загружает конфигурацию из переменных окружения и опционального YAML файла (STRATEGY_FILE)
func Load() (*Config, error) {
	tpLevels, err := parseTakeProfitLevels(getEnv("TAKE_PROFIT_LEVELS", ""))
	if err != nil {
		return nil, err
	}
	if len(tpLevels) == 0 {
		tpLevels = DefaultTakeProfitLevels()
	}

	cfg := &Config{
		Server: ServerConfig{
			Enabled: getEnvAsBool("SERVER_ENABLED", true),
			Port:    getEnvAsInt("SERVER_PORT", 8080),
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),

			CORSOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "perpbot"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			RelayKey:      getEnv("RELAY_KEY", ""),
			APIToken:      getEnv("API_TOKEN", ""),
		},
		Exchange: ExchangeConfig{
			Mode:         getEnv("EXCHANGE_MODE", "paper"),
			BaseURL:      getEnv("OKX_BASE_URL", "https://www.okx.com"),
			APIKey:       getEnv("OKX_API_KEY", ""),
			SecretKey:    getEnv("OKX_SECRET_KEY", ""),
			Passphrase:   getEnv("OKX_PASSPHRASE", ""),
			Demo:         getEnvAsBool("OKX_DEMO", true),
			Timeout:      getEnvAsDuration("EXCHANGE_HTTP_TIMEOUT", 10*time.Second),
			PaperBalance: getEnvAsFloat("PAPER_BALANCE", 10000),
			PaperFeePct:  getEnvAsFloat("PAPER_FEE_PCT", 0.05),
		},
		Strategy: StrategyConfig{
			Instrument:           getEnv("INSTRUMENT", "BTC-USDT-SWAP"),
			Bar:                  getEnv("CANDLE_BAR", "15m"),
			CandleLimit:          getEnvAsInt("CANDLE_LIMIT", 150),
			BaseSize:             getEnvAsFloat("BASE_SIZE", 0.01),
			LotSize:              getEnvAsFloat("LOT_SIZE", 0.01),
			Leverage:             getEnvAsInt("LEVERAGE", 10),
			Feed:                 getEnv("SIGNAL_FEED", "supertrend"),
			SupertrendPeriod:     getEnvAsInt("SUPERTREND_PERIOD", 10),
			SupertrendMultiplier: getEnvAsFloat("SUPERTREND_MULTIPLIER", 3.0),
			RSIPeriod:            getEnvAsInt("RSI_PERIOD", 14),
			RSIOversold:          getEnvAsFloat("RSI_OVERSOLD", 20),
			RSIOverbought:        getEnvAsFloat("RSI_OVERBOUGHT", 80),
			RSILongStop:          getEnvAsFloat("RSI_LONG_STOP", 70),
			RSIShortStop:         getEnvAsFloat("RSI_SHORT_STOP", 30),
			ScaleInEnabled:       getEnvAsBool("SCALE_IN_ENABLED", false),
			MaxScaleIns:          getEnvAsInt("MAX_SCALE_INS", 1),
			PollInterval:         getEnvAsDuration("CANDLE_POLL_INTERVAL", 5*time.Second),
		},
		Risk: RiskConfig{
			StopLossPct:           getEnvAsFloat("STOP_LOSS_PCT", 2.0),
			TrailingStopPct:       getEnvAsFloat("TRAILING_STOP_PCT", 1.0),
			TrailingActivationPct: getEnvAsFloat("TRAILING_ACTIVATION_PCT", 1.0),
			TakeProfitLevels:      tpLevels,
			MaxHoldBars:           getEnvAsInt("MAX_HOLD_BARS", 20),
			FlashCrashPct:         getEnvAsFloat("FLASH_CRASH_PCT", 5.0),
			EmergencyStopPct:      getEnvAsFloat("EMERGENCY_STOP_PCT", 3.0),
			ExtremeProfitPct:      getEnvAsFloat("EXTREME_PROFIT_PCT", 8.0),
			DailyProfitTargetMin:  getEnvAsFloat("DAILY_PROFIT_TARGET_MIN", 3.0),
			DailyProfitTargetMax:  getEnvAsFloat("DAILY_PROFIT_TARGET_MAX", 5.0),
			MaxDailyLossPct:       getEnvAsFloat("MAX_DAILY_LOSS_PCT", 5.0),
			MaxConsecutiveLosses:  getEnvAsInt("MAX_CONSECUTIVE_LOSSES", 3),
		},
		Bot: BotConfig{
			RealtimeInterval:   getEnvAsDuration("REALTIME_INTERVAL", 5*time.Second),
			ExchangeTimeout:    getEnvAsDuration("EXCHANGE_TIMEOUT", 10*time.Second),
			MonitorStopTimeout: getEnvAsDuration("MONITOR_STOP_TIMEOUT", 10*time.Second),
			CloseOnShutdown:    getEnvAsBool("CLOSE_ON_SHUTDOWN", true),
			AutoTrade:          getEnvAsBool("AUTO_TRADE", true),
			NotificationBuffer: getEnvAsInt("NOTIFICATION_BUFFER", 100),
			StatusBroadcast:    getEnvAsDuration("STATUS_BROADCAST_FREQ", 5*time.Second),
			BalanceCurrency:    getEnv("BALANCE_CURRENCY", ""),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
			APIBase:  getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),
			Timeout:  getEnvAsDuration("TELEGRAM_TIMEOUT", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 14),
		},
	}

	if path := getEnv("STRATEGY_FILE", ""); path != "" {
		if err := cfg.LoadStrategyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadStrategyFile накладывает YAML файл на секции strategy и risk.
// Отсутствующие в файле поля сохраняют текущие значения.
func (c *Config) LoadStrategyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read strategy file: %w", err)
	}
	return c.ApplyStrategyYAML(data)
}

// ApplyStrategyYAML накладывает YAML документ на секции strategy и risk
func (c *Config) ApplyStrategyYAML(data []byte) error {
	file := strategyFile{Strategy: &c.Strategy, Risk: &c.Risk}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse strategy file: %w", err)
	}
	return nil
}

// Validate проверяет конфигурацию и нормализует уровни тейк-профита (по возрастанию порога)
func (c *Config) Validate() error {
	if err := c.validateExchange(); err != nil {
		return err
	}
	if err := c.validateRanges(); err != nil {
		return err
	}

	sort.SliceStable(c.Risk.TakeProfitLevels, func(i, j int) bool {
		return c.Risk.TakeProfitLevels[i].ThresholdPct < c.Risk.TakeProfitLevels[j].ThresholdPct
	})
	return nil
}

// validateExchange проверяет параметры подключения к бирже
func (c *Config) validateExchange() error {
	switch c.Exchange.Mode {
	case "paper":
		if c.Exchange.PaperBalance <= 0 {
			return fmt.Errorf("PAPER_BALANCE must be positive, got %v", c.Exchange.PaperBalance)
		}
	case "okx":
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" || c.Exchange.Passphrase == "" {
			return fmt.Errorf("OKX_API_KEY, OKX_SECRET_KEY and OKX_PASSPHRASE are required in okx mode")
		}
	default:
		return fmt.Errorf("EXCHANGE_MODE must be okx or paper, got %q", c.Exchange.Mode)
	}

	if err := utils.ValidateInstrument(c.Strategy.Instrument); err != nil {
		return fmt.Errorf("INSTRUMENT: %w", err)
	}
	if _, err := utils.ParseBar(c.Strategy.Bar); err != nil {
		return fmt.Errorf("CANDLE_BAR: %w", err)
	}
	if c.Bot.BalanceCurrency == "" {
		c.Bot.BalanceCurrency = utils.ExtractQuoteCurrency(c.Strategy.Instrument)
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	s := c.Strategy
	if s.BaseSize <= 0 {
		return fmt.Errorf("BASE_SIZE must be positive, got %v", s.BaseSize)
	}
	if s.LotSize <= 0 {
		return fmt.Errorf("LOT_SIZE must be positive, got %v", s.LotSize)
	}
	if s.BaseSize < s.LotSize {
		return fmt.Errorf("BASE_SIZE must be at least LOT_SIZE (%v), got %v", s.LotSize, s.BaseSize)
	}
	if err := utils.ValidateLeverage(s.Leverage); err != nil {
		return err
	}
	if s.CandleLimit < 30 || s.CandleLimit > 300 {
		return fmt.Errorf("CANDLE_LIMIT must be between 30 and 300, got %d", s.CandleLimit)
	}
	if s.Feed != "supertrend" && s.Feed != "rsi" {
		return fmt.Errorf("SIGNAL_FEED must be supertrend or rsi, got %q", s.Feed)
	}
	if s.MaxScaleIns < 0 {
		return fmt.Errorf("MAX_SCALE_INS cannot be negative, got %d", s.MaxScaleIns)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("CANDLE_POLL_INTERVAL must be positive, got %v", s.PollInterval)
	}

	r := c.Risk
	for name, v := range map[string]float64{
		"STOP_LOSS_PCT":      r.StopLossPct,
		"TRAILING_STOP_PCT":  r.TrailingStopPct,
		"FLASH_CRASH_PCT":    r.FlashCrashPct,
		"EMERGENCY_STOP_PCT": r.EmergencyStopPct,
		"EXTREME_PROFIT_PCT": r.ExtremeProfitPct,
		"MAX_DAILY_LOSS_PCT": r.MaxDailyLossPct,
	} {
		if err := utils.ValidatePercentage(name, v, 100); err != nil {
			return err
		}
	}
	if r.EmergencyStopPct > r.FlashCrashPct {
		return fmt.Errorf("EMERGENCY_STOP_PCT (%v) must not exceed FLASH_CRASH_PCT (%v)", r.EmergencyStopPct, r.FlashCrashPct)
	}
	if r.MaxHoldBars < 1 {
		return fmt.Errorf("MAX_HOLD_BARS must be at least 1, got %d", r.MaxHoldBars)
	}
	if r.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("MAX_CONSECUTIVE_LOSSES must be at least 1, got %d", r.MaxConsecutiveLosses)
	}
	if r.DailyProfitTargetMin <= 0 || r.DailyProfitTargetMax < r.DailyProfitTargetMin {
		return fmt.Errorf("daily profit target range must satisfy 0 < min <= max, got [%v, %v]",
			r.DailyProfitTargetMin, r.DailyProfitTargetMax)
	}
	for i, lvl := range r.TakeProfitLevels {
		if lvl.ThresholdPct <= 0 {
			return fmt.Errorf("take profit level %d: threshold must be positive, got %v", i, lvl.ThresholdPct)
		}
		if err := utils.ValidateRatio(lvl.ClosePct / 100); err != nil {
			return fmt.Errorf("take profit level %d: close pct: %w", i, err)
		}
	}

	b := c.Bot
	if b.RealtimeInterval <= 0 {
		return fmt.Errorf("REALTIME_INTERVAL must be positive, got %v", b.RealtimeInterval)
	}
	if b.ExchangeTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive, got %v", b.ExchangeTimeout)
	}
	if b.MonitorStopTimeout <= 0 {
		return fmt.Errorf("MONITOR_STOP_TIMEOUT must be positive, got %v", b.MonitorStopTimeout)
	}
	if b.NotificationBuffer < 1 {
		return fmt.Errorf("NOTIFICATION_BUFFER must be at least 1, got %d", b.NotificationBuffer)
	}

	return nil
}

// BarDuration возвращает длительность свечи (значение проверено в Validate)
func (s StrategyConfig) BarDuration() time.Duration {
	d, _ := utils.ParseBar(s.Bar)
	return d
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// parseTakeProfitLevels разбирает "1.5:30,3:50,5:100"
func parseTakeProfitLevels(s string) ([]TakeProfitLevel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var levels []TakeProfitLevel
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("TAKE_PROFIT_LEVELS: expected threshold:close, got %q", part)
		}
		th, err := strconv.ParseFloat(strings.TrimSpace(kv[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("TAKE_PROFIT_LEVELS: bad threshold %q: %w", kv[0], err)
		}
		cl, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("TAKE_PROFIT_LEVELS: bad close pct %q: %w", kv[1], err)
		}
		levels = append(levels, TakeProfitLevel{ThresholdPct: th, ClosePct: cl})
	}
	return levels, nil
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
