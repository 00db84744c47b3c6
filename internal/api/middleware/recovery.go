package middleware

import (
	"net/http"
	"runtime/debug"

	"perpbot/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers.
//
// Логирует значение panic со stack trace и отвечает 500 с JSON телом.
// Детали паники клиенту не отдаются.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in handler",
						utils.Any("panic", rec),
						utils.String("path", r.URL.Path),
						utils.String("stack", string(debug.Stack())))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
