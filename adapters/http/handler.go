// Package http provides the HTTP surface of the usage engine: the ingest
// webhook, the query API and the live WebSocket feed.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"

	"github.com/nexuscrm/agentusage/adapters/metrics"
	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/docs/swagger"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/pkg/jsonapi"
)

// OpenAPIPath serves the API description read by the Swagger UI.
const OpenAPIPath = "/.well-known/openapi.json"

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// StatusResponse is the health endpoints' body.
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	store HealthChecker
}

// HealthChecker reports whether a dependency can serve traffic.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. store may be nil.
func NewHealthHandler(store HealthChecker) *HealthHandler {
	return &HealthHandler{store: store}
}

// Liveness returns a simple liveness check.
//
//	@Summary	Liveness
//	@Tags		Health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Router		/health [get]
//	@Router		/health/live [get]
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{Status: "ok"})
}

// Readiness checks the backing store.
//
//	@Summary	Readiness
//	@Tags		Health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Failure	503	{object}	StatusResponse	"Store unavailable"
//	@Router		/health/ready [get]
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(StatusResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{Status: "ok"})
}

// Version returns a handler reporting the build version.
//
//	@Summary	Build version
//	@Tags		Health
//	@Produce	json
//	@Success	200	{object}	VersionResponse
//	@Router		/version [get]
func Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(VersionResponse{
			Version: version,
			Service: "agentusage",
		})
	}
}

// RouterConfig holds the handlers mounted by NewRouter. Nil handlers are
// skipped.
type RouterConfig struct {
	Ingest  *IngestHandler
	Query   *QueryHandler
	Alerts  *AlertHandler
	Live    *LiveHandler
	Health  *HealthHandler
	Version string

	// Metrics enables request metrics; MetricsHandler serves /metrics.
	Metrics        *metrics.Collector
	MetricsHandler http.Handler
	MetricsPath    string

	// RequestTimeout bounds non-streaming requests (default: 60s).
	RequestTimeout time.Duration

	// EnableOpenAPI serves the API description and the Swagger UI.
	EnableOpenAPI bool
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig, logger zerolog.Logger) chi.Router {
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler(nil)
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, cfg.MetricsPath))
	}

	r.Get("/health", cfg.Health.Liveness)
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	r.Get("/version", Version(cfg.Version))

	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}

	if cfg.EnableOpenAPI {
		r.Get(OpenAPIPath, OpenAPIDocument)
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL(OpenAPIPath),
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The live feed is long-lived and must not inherit the request timeout.
		if cfg.Live != nil {
			r.Get("/live", cfg.Live.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			if cfg.Ingest != nil {
				r.Post("/usage/events", cfg.Ingest.Create)
			}
			if cfg.Query != nil {
				r.Get("/usage/summary", cfg.Query.Summary)
				r.Get("/usage/daily", cfg.Query.Daily)
				r.Get("/tiers", cfg.Query.Tiers)
				r.Get("/poison-events", cfg.Query.PoisonEvents)
			}
			if cfg.Alerts != nil {
				r.Mount("/alerts", cfg.Alerts.Router())
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "not_found", "Not Found").
			Detailf("No route for %s %s", r.Method, r.URL.Path).
			Build())
	})

	return r
}

// OpenAPIDocument serves the registered API description.
func OpenAPIDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(swagger.SwaggerInfo.InstanceName())
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrInternal("API description unavailable"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	io.WriteString(w, doc)
}

func skipObservation(path, metricsPath string) bool {
	return strings.HasPrefix(path, "/health") || path == metricsPath ||
		strings.HasPrefix(path, "/swagger") || strings.HasPrefix(path, "/.well-known")
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipObservation(r.URL.Path, metricsPath) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			m.ObserveRequest(r.Method, r.URL.Path, ww.Status(), time.Since(start).Seconds())
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if skipObservation(r.URL.Path, metricsPath) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// writeServiceError maps service errors to JSON:API responses.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var verr *usage.ValidationError
	switch {
	case errors.As(err, &verr):
		errs := make([]jsonapi.Error, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			errs = append(errs, jsonapi.ErrField(f.Field, f.Code, f.Detail))
		}
		jsonapi.WriteError(w, errs...)
	case errors.Is(err, app.ErrInvalidQuery):
		jsonapi.WriteBadRequest(w, err.Error())
	case errors.Is(err, alert.ErrInvalidTransition):
		jsonapi.WriteError(w, jsonapi.ErrConflict("invalid_transition", err.Error()))
	case usage.IsTransient(err):
		logger.Warn().Err(err).Msg("storage temporarily unavailable")
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable(""))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, app.ErrStopped):
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable(""))
	default:
		logger.Error().Err(err).Msg("request failed")
		jsonapi.WriteInternalError(w, "")
	}
}

// queryLimit parses an optional positive limit parameter capped at max.
func queryLimit(r *http.Request, def, max int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
