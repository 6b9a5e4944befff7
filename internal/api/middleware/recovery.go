package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "serma_http_panics_recovered_total",
	Help: "Total number of panics recovered from HTTP handlers.",
})

// Recoverer recovers from panics in the handler chain, logging the stack
// and returning 500 rather than crashing the process.
func Recoverer(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					panicsRecovered.Inc()
					log.Error().
						Interface("recover", rvr).
						Str("stack", string(debug.Stack())).
						Msg("panic recovered")

					w.WriteHeader(http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
