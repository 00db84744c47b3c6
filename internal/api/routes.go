package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpbot/internal/api/handlers"
	"perpbot/internal/api/middleware"
	"perpbot/internal/service"
	"perpbot/internal/websocket"
	"perpbot/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers.
// nil поля отключают соответствующие маршруты.
type Dependencies struct {
	Bot                 handlers.BotController
	StatsService        service.StatsServiceInterface
	NotificationService service.NotificationServiceInterface
	Relay               handlers.TextSender
	RelayLimiter        handlers.RateLimiter
	Hub                 *websocket.Hub
	Logger              *utils.Logger

	// APIToken - Bearer токен для /api/v1 (кроме relay, у которого свой ключ); пусто = без проверки
	APIToken string
	// RelayKey - ключ relay (открытый текст или bcrypt хеш)
	RelayKey string
	// CORSOrigins - дополнительные origins через запятую
	CORSOrigins string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/health                        GET   - liveness
//	/metrics                       GET   - Prometheus
//	/api/v1/
//	├── status                     GET   - состояние агента
//	├── position/close             POST  - закрыть позицию
//	├── trading/enable             POST  - разрешить входы
//	├── trading/disable            POST  - запретить входы
//	├── trades                     GET   - журнал сделок
//	├── stats                      GET   - статистика журнала
//	├── notifications              GET   - журнал уведомлений
//	└── relay/send                 POST  - переслать текст в Telegram (ключ в теле)
//	/ws/stream                     GET   - WebSocket (status, notification, statsUpdate)
//
// Middleware: Recovery -> Logging -> CORS для всех; BearerAuth для /api/v1 (кроме relay).
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.CORSOrigins))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// relay авторизуется ключом из тела запроса, Bearer не нужен
	if deps.Relay != nil {
		relayHandler := handlers.NewRelayHandler(deps.RelayKey, deps.Relay, deps.RelayLimiter)
		router.HandleFunc("/api/v1/relay/send", relayHandler.Send).Methods("POST", "OPTIONS")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.BearerAuth(deps.APIToken))

	if deps.Bot != nil {
		botHandler := handlers.NewBotHandler(deps.Bot)
		api.HandleFunc("/status", botHandler.GetStatus).Methods("GET")
		api.HandleFunc("/position/close", botHandler.ClosePosition).Methods("POST")
		api.HandleFunc("/trading/enable", botHandler.EnableTrading).Methods("POST")
		api.HandleFunc("/trading/disable", botHandler.DisableTrading).Methods("POST")
	}

	if deps.StatsService != nil {
		tradeHandler := handlers.NewTradeHandler(deps.StatsService)
		api.HandleFunc("/trades", tradeHandler.GetTrades).Methods("GET")
		api.HandleFunc("/stats", tradeHandler.GetStats).Methods("GET")
	}

	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	if deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		}).Methods("GET")
	}

	return router
}
