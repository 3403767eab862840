// Package server exposes the bot's HTTP surface: liveness and readiness probes,
// Prometheus metrics, and a small secret-protected API over the channel cache.
// Every request carries a correlation ID for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/db"
	"github.com/onnwee/songid/telemetry"
)

// Membership is the reconciler view the API needs.
type Membership interface {
	Reconcile(ctx context.Context, ch channels.Channel)
	IsConnected(name string) bool
	Count() int
}

// ChatStatus reports transport connectivity.
type ChatStatus interface {
	Connected() bool
}

// MentionLister reads the mention log.
type MentionLister interface {
	RecentMentions(ctx context.Context, channel string, limit int) ([]db.Mention, error)
}

// Deps are the collaborators behind the HTTP handlers. DB and Mentions are optional.
type Deps struct {
	Cache      *channels.Cache
	Membership Membership
	Chat       ChatStatus
	DB         *sql.DB
	Mentions   MentionLister

	// Secret guards the /channels and /mentions routes; RequireSecret is false in development.
	Secret        string
	RequireSecret bool
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter's
// cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	protect := func(fn http.HandlerFunc) http.Handler {
		return secretAuth(rateLimitMiddleware(fn, limiter), deps.Secret, deps.RequireSecret)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.Handle("GET /channels", protect(h.HandleChannels))
	mux.Handle("POST /channels/{id}/refresh", protect(h.HandleRefresh))
	mux.Handle("GET /mentions", protect(h.HandleMentions))

	return otelhttp.NewHandler(withCorrelation(mux), "http-server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// withCorrelation reuses or generates X-Correlation-ID and records the response
// status on the active span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(telemetry.HTTPRouteAttr(r.URL.Path))
		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps ctx values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
