package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/unilevel-ledger/api/controllers"
	"github.com/angelmondragon/unilevel-ledger/api/middleware"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
)

const metricsPath = "/metrics"

type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    controllers.Pinger
	PubSub   controllers.Pinger
	Gatherer prometheus.Gatherer
	Ledger   controllers.LedgerReader
}

// NewOpsRouter serves health checks, Prometheus metrics and read-only ledger
// views for operators.
func NewOpsRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(p.Logger),
		middleware.RequestID(p.Logger),
		middleware.Logging(p.Logger, metricsPath, "/health/live", "/healthz"),
	)

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	live := controllers.HealthLive(p.Config)
	r.Get("/healthz", live)
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", live)
		r.Get("/ready", controllers.HealthReady(p.Config, p.Logger, map[string]controllers.Pinger{
			"database": p.DB,
			"redis":    p.Redis,
			"pubsub":   p.PubSub,
		}))
	})

	if p.Ledger != nil {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/snapshot", controllers.OpsSnapshot(p.Ledger))
			r.Get("/accounts/{accountID}", controllers.OpsAccount(p.Ledger, p.Logger))
			r.Get("/settlements/review", controllers.OpsReviewBatches(p.Ledger, p.Logger))
		})
	}
	return r
}
