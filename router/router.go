// Package router wires the HTTP surface (§6): health/metrics endpoints
// open to the world, and the /v1 API behind auth, rate limiting, header
// normalization, and a per-call timeout — in that order, the teacher's
// middleware chain generalized from an LLM gateway to this banking core.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/analyticsrec"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/config"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/disambiguation"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/feeengine"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/handler"
	gwmw "github.com/learningcmsebl-ux/aichatbot-refine-sub001/middleware"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/observability"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/orchestrator"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/redisclient"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// Dependencies bundles everything NewRouter needs to mount every §6 route.
// Metrics is optional — a nil Metrics simply omits /metrics.
type Dependencies struct {
	Orchestrator   *orchestrator.Orchestrator
	OrchDeps       orchestrator.Dependencies
	FeeStore       *ruledb.Store
	Disambiguation *disambiguation.Store
	FeeEngine      *feeengine.Resolver
	Analytics      *analyticsrec.Recorder
	Providers      *provider.Registry
	Redis          *redisclient.Client
	Metrics        *observability.Metrics
}

// NewRouter returns a configured chi Router with the full middleware chain
// and every §6 route mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	chatHandler := handler.NewChatHandler(deps.Orchestrator, appLogger)
	historyHandler := handler.NewHistoryHandler(deps.OrchDeps)
	analyticsHandler := handler.NewAnalyticsHandler(deps.Analytics)
	feesHandler := handler.NewFeesHandler(deps.FeeStore, deps.Disambiguation, deps.FeeEngine)
	healthHandler := handler.NewHealthHandler(deps.Redis, deps.FeeStore, deps.Providers)

	// --- Health + metrics (no auth required) ---
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/ready", healthHandler.Ready)
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/chat", chatHandler.Chat)
		r.Get("/chat/history/{session}", historyHandler.GetHistory)
		r.Delete("/chat/history/{session}", historyHandler.DeleteHistory)

		r.Get("/analytics/summary", analyticsHandler.Summary)
		r.Get("/analytics/most-asked", analyticsHandler.MostAsked)
		r.Get("/analytics/unanswered", analyticsHandler.Unanswered)
		r.Get("/analytics/sessions/{session}", analyticsHandler.SessionHistory)

		r.Post("/fees/calculate", feesHandler.Calculate)
		r.Post("/fees/query", feesHandler.Query)
		r.Get("/fees/rules", feesHandler.ListRules)

		r.Get("/health/detailed", healthHandler.Detailed)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("CORE_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
