package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/service/deploy"
	"github.com/cannalonga/pagedeploy/internal/service/events"
	"github.com/cannalonga/pagedeploy/internal/service/rollback"
	"github.com/cannalonga/pagedeploy/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	deploy         *deploy.Service
	rollback       *rollback.Service
	events         events.Service
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	publisherToken string
	dbHealth       func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitPublish   = 30
	rateLimitRollback  = 10
	rateLimitRead      = 120
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	defaultHistoryPage = 20
	maxHistoryPage     = 100
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, rollbackSvc *rollback.Service, eventsSvc events.Service, limiter RateLimiter, publisherToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		deploy:   deploySvc,
		rollback: rollbackSvc,
		events:   eventsSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		publisherToken: strings.TrimSpace(publisherToken),
		dbHealth:       dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.withRateLimit("/deploy", rateLimitPublish, rateWindowDefault, rateLimitKeyIP, r.handleDeploy)))
	r.mux.HandleFunc("/rollback", r.audit("/rollback", r.withRateLimit("/rollback", rateLimitRollback, rateWindowDefault, rateLimitKeyIP, r.handleRollback)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.withRateLimit("/deployments", rateLimitRead, rateWindowDefault, rateLimitKeyTenant, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/last", r.audit("/deployments/last", r.withRateLimit("/deployments/last", rateLimitRead, rateWindowDefault, rateLimitKeyTenant, r.handleLastDeployment)))
	r.mux.HandleFunc("/deployments/metrics", r.audit("/deployments/metrics", r.withRateLimit("/deployments/metrics", rateLimitRead, rateWindowDefault, rateLimitKeyTenant, r.handleDeploymentMetrics)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.withRateLimit("/deployments/{id}", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.withRateLimit("/ws/deployments", rateLimitRealtime, rateWindowRealtime, rateLimitKeyTenant, r.handleDeploymentsWS)))
	r.mux.HandleFunc("/events/deployments", r.audit("/events/deployments", r.withRateLimit("/events/deployments", rateLimitRealtime, rateWindowRealtime, rateLimitKeyTenant, r.handleDeploymentsSSE)))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	var payload deploy.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.deploy.Deploy(req.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "page not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	var payload rollback.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.rollback.Rollback(req.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, rollback.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, rollback.ErrNoRollbackTarget):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "target deployment not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	tenantID, pageID, ok := r.pageScope(w, req)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxHistoryPage {
		limit = defaultHistoryPage
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	deployments, err := r.deploy.History(req.Context(), tenantID, pageID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"limit":       limit,
		"offset":      offset,
	})
}

func (r *Router) handleLastDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	tenantID, pageID, ok := r.pageScope(w, req)
	if !ok {
		return
	}
	last, err := r.deploy.LastSuccessful(req.Context(), tenantID, pageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no completed deployment")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (r *Router) handleDeploymentMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	tenantID, pageID, ok := r.pageScope(w, req)
	if !ok {
		return
	}
	metrics, err := r.deploy.Metrics(req.Context(), tenantID, pageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		deployment, err := r.deploy.Get(req.Context(), deploymentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case len(parts) == 2 && parts[1] == "errors":
		errs, err := r.deploy.Errors(req.Context(), deploymentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	if !r.verifyPublisherToken(w, req) {
		return
	}
	tenantID, pageID, ok := r.pageScope(w, req)
	if !ok {
		return
	}
	hub := r.events.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	streamKey := events.StreamKey(tenantID, pageID)
	client := ws.NewClient(conn, r.logger)
	hub.Register(streamKey, client)
	go func() {
		defer func() {
			hub.Unregister(streamKey, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDeploymentsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPublisherToken(w, req) {
		return
	}
	tenantID, pageID, ok := r.pageScope(w, req)
	if !ok {
		return
	}
	hub := r.events.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamKey := events.StreamKey(tenantID, pageID)
	client := ws.NewSSEClient(w, flusher, r.logger)
	hub.Register(streamKey, client)
	defer func() {
		hub.Unregister(streamKey, client)
		client.Close()
	}()
	<-req.Context().Done()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// pageScope extracts the mandatory tenant and page identifiers from the query.
func (r *Router) pageScope(w http.ResponseWriter, req *http.Request) (string, string, bool) {
	tenantID := strings.TrimSpace(req.URL.Query().Get("tenant_id"))
	pageID := strings.TrimSpace(req.URL.Query().Get("page_id"))
	if tenantID == "" || pageID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and page_id query parameters required")
		return "", "", false
	}
	return tenantID, pageID, true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if tenantID := strings.TrimSpace(req.URL.Query().Get("tenant_id")); tenantID != "" {
			fields = append(fields, "tenant_id", tenantID)
		}

		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyPublisherToken ensures requests carry the configured publisher secret.
func (r *Router) verifyPublisherToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.publisherToken
	if expected == "" {
		r.logger.Error("publisher token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "publisher authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Publisher-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("publisher_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("publisher token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid publisher token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
