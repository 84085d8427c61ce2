package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/query"
	"PerpRisk/internal/risk"
	"PerpRisk/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// API serves the risk query endpoints over HTTP/JSON.
type API struct {
	qs      *query.QueryService
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAPI(qs *query.QueryService, metrics *observability.Metrics) *API {
	return &API{qs: qs, metrics: metrics, logger: observability.NewLogger("http")}
}

// NewRouter mounts the API, health probes and the metrics endpoint of
// gatherer.
func NewRouter(api *API, health *observability.HealthChecker, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.instrument)
		r.Get("/users/{userID}/risk", api.GetRisk)
		r.Get("/users/{userID}/margin", api.GetMarginCheck)
		r.Get("/markets/{index}/price", api.GetMarketPrice)
		r.Get("/accounts", api.ListAccounts)
	})
	return r
}

// GetRisk handles GET /v1/users/{userID}/risk
func (a *API) GetRisk(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	summary, err := a.qs.GetRisk(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, newRiskView(summary))
}

// GetMarginCheck handles GET /v1/users/{userID}/margin
//
// Query parameters: type=initial|maintenance, liquidation=true with
// buffer=<ratio>, strict=true.
func (a *API) GetMarginCheck(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	req, err := parseMarginCheck(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	check, err := a.qs.GetMarginCheck(r.Context(), userID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, newMarginCheckView(check))
}

// GetMarketPrice handles GET /v1/markets/{index}/price
func (a *API) GetMarketPrice(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 16)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	p, err := a.qs.GetMarketPrice(r.Context(), uint16(index))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, newMarketPriceView(p))
}

// ListAccounts handles GET /v1/accounts?status=Liquidatable
func (a *API) ListAccounts(w http.ResponseWriter, r *http.Request) {
	var filter *risk.MarginStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		var st risk.MarginStatus
		if err := st.UnmarshalText([]byte(raw)); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = &st
	}

	summaries, err := a.qs.ListAccounts(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	views := make([]riskView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, newRiskView(s))
	}
	writeJSON(w, map[string]interface{}{"accounts": views})
}

func parseMarginCheck(r *http.Request) (query.MarginCheckRequest, error) {
	q := r.URL.Query()
	var req query.MarginCheckRequest

	switch q.Get("type") {
	case "", "initial":
		req.Type = margin.Initial
	case "maintenance":
		req.Type = margin.Maintenance
	default:
		return req, errors.New("type must be initial or maintenance")
	}

	var err error
	if raw := q.Get("liquidation"); raw != "" {
		if req.Liquidation, err = strconv.ParseBool(raw); err != nil {
			return req, errors.New("invalid liquidation flag")
		}
	}
	if raw := q.Get("strict"); raw != "" {
		if req.Strict, err = strconv.ParseBool(raw); err != nil {
			return req, errors.New("invalid strict flag")
		}
	}
	if raw := q.Get("buffer"); raw != "" {
		if !req.Liquidation {
			return req, errors.New("buffer requires liquidation=true")
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			return req, errors.New("buffer must be a non-negative ratio")
		}
		if req.LiquidationBuffer, err = fpmath.FromDecimal(d, fpmath.MarginPrecision); err != nil {
			return req, errors.New("buffer out of range")
		}
	}
	return req, nil
}

// fail maps engine errors onto status codes.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	endpoint := routePattern(r)
	switch {
	case errors.Is(err, state.ErrUserNotFound):
		a.metrics.QueryErrors.WithLabelValues(endpoint, "not_found").Inc()
		writeError(w, "user not found", http.StatusNotFound)
	case errors.Is(err, state.ErrMarketNotFound):
		a.metrics.QueryErrors.WithLabelValues(endpoint, "not_found").Inc()
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, state.ErrOracleNotFound), errors.Is(err, state.ErrSpotMarketNotFound):
		// The account references state the cache does not hold yet.
		a.metrics.QueryErrors.WithLabelValues(endpoint, "incomplete_state").Inc()
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, risk.ErrInvalidOracle):
		a.metrics.QueryErrors.WithLabelValues(endpoint, "invalid_oracle").Inc()
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		a.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("query failed")
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// instrument records per-route request counts and latency. The route
// pattern is the label, not the path, to keep cardinality bounded.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := routePattern(r)
		a.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HTTPServer runs the router until its context is cancelled.
type HTTPServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: observability.NewLogger("http"),
	}
}

// Start serves until ctx is cancelled, then drains with a 5s deadline.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
