package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/api"
	"perpbot/internal/bot"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/indicator"
	"perpbot/internal/notify"
	"perpbot/internal/repository"
	"perpbot/internal/service"
	"perpbot/internal/websocket"
	"perpbot/pkg/crypto"
	"perpbot/pkg/ratelimit"
	"perpbot/pkg/utils"
)

const (
	// Хранение журнала
	tradeRetention        = 90 * 24 * time.Hour
	riskStateRetention    = 30 * 24 * time.Hour
	notificationsKeep     = 1000
	maintenanceInterval   = 24 * time.Hour
	shutdownTimeout       = 60 * time.Second
	relayRatePerSecond    = 1
	relayBurst            = 5
	databaseSchemaTimeout = 10 * time.Second
)

func main() {
	encryptValue := flag.String("encrypt", "", "print the value encrypted with ENCRYPTION_KEY (for OKX_* secrets) and exit")
	hashValue := flag.String("hash", "", "print the bcrypt hash of the value (for RELAY_KEY) and exit")
	flag.Parse()

	if *encryptValue != "" || *hashValue != "" {
		if err := runSecretTool(*encryptValue, *hashValue); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("agent stopped with error", utils.Err(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============ Хранилище (опционально) ============

	var (
		db        *sql.DB
		journal   bot.TradeJournal
		riskStore bot.RiskStateStore
		statsSvc  *service.StatsService
		notifRepo *repository.NotificationRepository
		riskRepo  *repository.RiskStateRepository
	)
	if cfg.Database.Enabled {
		var err error
		db, err = repository.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		schemaCtx, schemaCancel := context.WithTimeout(ctx, databaseSchemaTimeout)
		err = repository.EnsureSchema(schemaCtx, db)
		schemaCancel()
		if err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("connected to database", utils.String("host", cfg.Database.Host), utils.String("name", cfg.Database.Name))

		notifRepo = repository.NewNotificationRepository(db)
		riskRepo = repository.NewRiskStateRepository(db)
		statsSvc = service.NewStatsService(repository.NewTradeRepository(db), log)
		journal = statsSvc
		riskStore = riskRepo
	} else {
		log.Info("database disabled: trade journal and daily risk state are kept in memory only")
	}

	// ============ Биржа и сигналы ============

	ex, err := newExchange(cfg)
	if err != nil {
		return err
	}

	feed, err := indicator.New(cfg.Strategy.Feed, indicator.Config{
		SupertrendPeriod:     cfg.Strategy.SupertrendPeriod,
		SupertrendMultiplier: cfg.Strategy.SupertrendMultiplier,
		RSIPeriod:            cfg.Strategy.RSIPeriod,
		RSIOversold:          cfg.Strategy.RSIOversold,
		RSIOverbought:        cfg.Strategy.RSIOverbought,
		RSILongStop:          cfg.Strategy.RSILongStop,
		RSIShortStop:         cfg.Strategy.RSIShortStop,
	})
	if err != nil {
		return err
	}

	// ============ WebSocket и уведомления ============

	hub := websocket.NewHub(log)
	hub.OnDrop = func() { bot.RecordBufferOverflow("websocket") }
	go hub.Run()

	// без БД уведомления только рассылаются в WebSocket
	notifSvc := service.NewNotificationService(nil)
	if notifRepo != nil {
		notifSvc = service.NewNotificationService(notifRepo)
	}
	notifSvc.SetWebSocketHub(hub)
	if statsSvc != nil {
		statsSvc.SetWebSocketHub(hub)
	}

	telegram := notify.NewTelegram(notify.TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		APIBase:  cfg.Telegram.APIBase,
		Timeout:  cfg.Telegram.Timeout,
	})

	dispatcher := notify.NewDispatcher(cfg.Bot.NotificationBuffer, log, notifSvc)
	dispatcher.OnDrop = func() { bot.RecordBufferOverflow("notification") }
	dispatcher.OnSinkError = bot.RecordNotificationError
	if telegram.Enabled() {
		dispatcher.AddSink(telegram)
	} else {
		log.Info("telegram disabled: TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set")
	}
	dispatcher.Start()

	// ============ Торговый движок ============

	engine := bot.NewEngine(cfg, ex, feed, bot.Deps{
		Notifier:    dispatcher,
		Journal:     journal,
		RiskStore:   riskStore,
		Broadcaster: hub,
		Logger:      log,
	})

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx)
	}()

	if db != nil {
		go runMaintenance(ctx, log, statsSvc, notifSvc, riskRepo)
	}

	// ============ HTTP сервер ============

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		deps := &api.Dependencies{
			Bot:                 engine,
			NotificationService: notifSvc,
			Relay:               telegram,
			RelayLimiter:        ratelimit.NewRateLimiter(relayRatePerSecond, relayBurst),
			Hub:                 hub,
			Logger:              log,
			APIToken:            cfg.Security.APIToken,
			RelayKey:            cfg.Security.RelayKey,
			CORSOrigins:         cfg.Server.CORSOrigins,
		}
		if statsSvc != nil {
			deps.StatsService = statsSvc
		}

		server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      api.SetupRoutes(deps),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 70 * time.Second, // ручное закрытие позиции ждёт биржу до минуты
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("starting HTTP server", utils.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// ============ Graceful shutdown ============

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", utils.String("signal", sig.String()))
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("engine: %w", err)
		}
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Сначала движок: циклы останавливаются, позиция закрывается, уведомления ещё доставляются
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown", utils.Err(err))
	}
	cancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Warn("notification dispatcher did not drain", utils.Err(err), utils.Int("pending", dispatcher.Pending()))
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server forced to shutdown", utils.Err(err))
		}
	}
	hub.Stop()

	if err := ex.Close(); err != nil {
		log.Warn("exchange client close", utils.Err(err))
	}

	log.Info("agent exited")
	return runErr
}

// newExchange создаёт клиент биржи по EXCHANGE_MODE.
// Секреты с префиксом "enc:" расшифровываются ENCRYPTION_KEY.
func newExchange(cfg *config.Config) (exchange.Exchange, error) {
	secrets, err := resolveSecrets(cfg)
	if err != nil {
		return nil, err
	}

	okx := exchange.NewOKX(exchange.OKXConfig{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     secrets[0],
		SecretKey:  secrets[1],
		Passphrase: secrets[2],
		Demo:       cfg.Exchange.Demo,
		HTTP:       httpConfig(cfg.Exchange.Timeout),
	})

	switch cfg.Exchange.Mode {
	case "okx":
		return okx, nil
	case "paper":
		// котировки берутся с публичных эндпоинтов OKX, ордера исполняются локально
		return exchange.NewPaper(okx, exchange.PaperConfig{
			Currency:       cfg.Bot.BalanceCurrency,
			InitialBalance: decimal.NewFromFloat(cfg.Exchange.PaperBalance),
			FeePct:         cfg.Exchange.PaperFeePct,
			Leverage:       cfg.Strategy.Leverage,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exchange mode %q", cfg.Exchange.Mode)
	}
}

func resolveSecrets(cfg *config.Config) ([3]string, error) {
	values := [3]string{cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Passphrase}

	var key []byte
	for i, v := range values {
		if !strings.HasPrefix(v, crypto.EncryptedPrefix) {
			continue
		}
		if key == nil {
			k, err := crypto.ParseKey(cfg.Security.EncryptionKey)
			if err != nil {
				return values, fmt.Errorf("encrypted exchange credentials require ENCRYPTION_KEY: %w", err)
			}
			key = k
		}
		plain, err := crypto.ResolveSecret(v, key)
		if err != nil {
			return values, fmt.Errorf("decrypt exchange credential: %w", err)
		}
		values[i] = plain
	}
	return values, nil
}

func httpConfig(timeout time.Duration) exchange.HTTPClientConfig {
	c := exchange.DefaultHTTPClientConfig()
	if timeout > 0 {
		c.TotalTimeout = timeout
	}
	return c
}

// runMaintenance раз в сутки чистит старые записи журнала
func runMaintenance(ctx context.Context, log *utils.Logger, stats *service.StatsService, notifs *service.NotificationService, risk *repository.RiskStateRepository) {
	log = log.WithComponent("maintenance")

	cleanup := func() {
		callCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if n, err := stats.CleanupOldTrades(callCtx, tradeRetention); err != nil {
			log.Warn("trade cleanup failed", utils.Err(err))
		} else if n > 0 {
			log.Info("old trades removed", utils.Int64("count", n))
		}
		if n, err := notifs.CleanupOld(callCtx, notificationsKeep); err != nil {
			log.Warn("notification cleanup failed", utils.Err(err))
		} else if n > 0 {
			log.Info("old notifications removed", utils.Int64("count", n))
		}
		cutoff := utils.DayKey(time.Now().Add(-riskStateRetention))
		if _, err := risk.DeleteOlderThan(callCtx, cutoff); err != nil {
			log.Warn("risk state cleanup failed", utils.Err(err))
		}
	}

	cleanup()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

// runSecretTool готовит значения секретов для окружения
func runSecretTool(encryptValue, hashValue string) error {
	if encryptValue != "" {
		key, err := crypto.ParseKey(os.Getenv("ENCRYPTION_KEY"))
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		ct, err := crypto.Encrypt(encryptValue, key)
		if err != nil {
			return err
		}
		fmt.Println(crypto.EncryptedPrefix + ct)
	}
	if hashValue != "" {
		hash, err := crypto.HashSecret(hashValue, crypto.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Println(hash)
	}
	return nil
}
