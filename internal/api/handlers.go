// Package api exposes the HTTP surface: register reads and writes, gateway
// and circuit administration, cache inspection and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/cache"
	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/gateway"
	"github.com/Jonathan0823/nexusbus/internal/health"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
	"github.com/Jonathan0823/nexusbus/internal/store"
)

// Handler carries the dependencies behind every endpoint.
type Handler struct {
	manager        *gateway.Manager
	cache          *cache.RegisterCache
	collector      *metrics.Collector
	store          store.Store
	checker        *health.Checker
	logger         zerolog.Logger
	requestTimeout time.Duration
	cacheTTL       time.Duration
}

// Options configures a Handler.
type Options struct {
	Manager        *gateway.Manager
	Cache          *cache.RegisterCache
	Collector      *metrics.Collector
	Store          store.Store     // optional, enables /api/reload
	Checker        *health.Checker // optional, enriches /health
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	CacheTTL       time.Duration
}

// NewHandler creates the API handler.
func NewHandler(opts Options) *Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Handler{
		manager:        opts.Manager,
		cache:          opts.Cache,
		collector:      opts.Collector,
		store:          opts.Store,
		checker:        opts.Checker,
		logger:         opts.Logger.With().Str("component", "api").Logger(),
		requestTimeout: opts.RequestTimeout,
		cacheTTL:       opts.CacheTTL,
	}
}

// Routes builds the mux for all endpoints.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.Health)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/devices", h.Devices)
	mux.HandleFunc("/api/gateways", h.Gateways)
	mux.HandleFunc("/api/gateways/reset", h.ResetGateway)
	mux.HandleFunc("/api/reload", h.Reload)

	mux.HandleFunc("/api/read", h.Read)
	mux.HandleFunc("/api/write", h.Write)

	mux.HandleFunc("/api/circuit", h.CircuitStatus)
	mux.HandleFunc("/api/circuit/reset", h.ResetCircuit)

	mux.HandleFunc("/api/cache", h.CacheEntries)
	mux.HandleFunc("/api/cache/stats", h.CacheStats)
	mux.HandleFunc("/api/cache/clear", h.CacheClear)
	mux.HandleFunc("/api/cache/cleanup", h.CacheCleanup)

	mux.HandleFunc("/api/stats", h.Stats)
	mux.HandleFunc("/api/stats/reset", h.StatsReset)

	return mux
}

// Health reports liveness. With a checker configured, the response carries
// per-component results and the status degrades when checks fail.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
		return
	}
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Devices lists the configured devices.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": h.manager.DeviceList(),
	})
}

// Gateways reports the shared connection per endpoint.
func (h *Handler) Gateways(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": h.manager.GatewayStatus(),
	})
}

// ResetGateway drops the connection behind a device's endpoint.
func (h *Handler) ResetGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if err := h.manager.ResetConnection(deviceID); err != nil {
		h.writeOperationError(w, deviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"reset":     true,
	})
}

// Reload re-reads the device set from the config store and applies it.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no config store configured")
		return
	}
	configs, err := h.store.DeviceConfigs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed: "+err.Error())
		return
	}
	if err := h.manager.ReloadConfigs(configs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": len(configs),
	})
}

type readResponse struct {
	DeviceID  string              `json:"device_id"`
	Kind      domain.RegisterKind `json:"register_kind"`
	Address   uint16              `json:"address"`
	Count     uint16              `json:"count"`
	Values    []uint16            `json:"values"`
	Source    string              `json:"source"`
	Timestamp time.Time           `json:"timestamp"`
}

// Read serves register reads. source=cache answers from the register cache
// when possible and falls through to a live read on a miss; source=live (the
// default) always touches the device. A live read that exceeds the request
// timeout resets the gateway connection and reports 504.
func (h *Handler) Read(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	deviceID := q.Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	kind, err := domain.ParseRegisterKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	address, err := parseUint16(q.Get("address"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	count, err := parseUint16(q.Get("count"), 1)
	if err != nil || count < 1 || count > 125 {
		writeError(w, http.StatusBadRequest, "invalid count")
		return
	}

	if q.Get("source") == "cache" && h.cache != nil {
		if entry, ok := h.cache.Get(deviceID, kind, address, count); ok {
			writeJSON(w, http.StatusOK, readResponse{
				DeviceID:  deviceID,
				Kind:      kind,
				Address:   address,
				Count:     count,
				Values:    entry.Values,
				Source:    "cache",
				Timestamp: entry.Timestamp,
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	values, err := h.manager.Read(ctx, deviceID, kind, address, count)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The device is wedged; drop the shared connection so the next
			// request starts clean.
			if resetErr := h.manager.ResetConnection(deviceID); resetErr != nil {
				h.logger.Warn().Err(resetErr).Str("device_id", deviceID).Msg("Reset after timeout failed")
			}
			writeError(w, http.StatusGatewayTimeout, "device did not respond in time")
			return
		}
		h.writeOperationError(w, deviceID, err)
		return
	}

	if h.cache != nil {
		h.cache.Set(deviceID, kind, address, count, values, h.cacheTTL)
	}
	writeJSON(w, http.StatusOK, readResponse{
		DeviceID:  deviceID,
		Kind:      kind,
		Address:   address,
		Count:     count,
		Values:    values,
		Source:    "live",
		Timestamp: time.Now().UTC(),
	})
}

type writeRequest struct {
	DeviceID string   `json:"device_id"`
	Kind     string   `json:"register_kind"`
	Address  uint16   `json:"address"`
	Values   []uint16 `json:"values"`
}

// Write writes holding registers and refreshes the matching cache entry so a
// cached read right after the write sees the new values.
func (h *Handler) Write(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if len(req.Values) == 0 || len(req.Values) > 123 {
		writeError(w, http.StatusBadRequest, "values must hold 1 to 123 registers")
		return
	}
	kind := domain.KindHolding
	if req.Kind != "" {
		parsed, err := domain.ParseRegisterKind(req.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.manager.Write(ctx, req.DeviceID, kind, req.Address, req.Values); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if resetErr := h.manager.ResetConnection(req.DeviceID); resetErr != nil {
				h.logger.Warn().Err(resetErr).Str("device_id", req.DeviceID).Msg("Reset after timeout failed")
			}
			writeError(w, http.StatusGatewayTimeout, "device did not respond in time")
			return
		}
		h.writeOperationError(w, req.DeviceID, err)
		return
	}

	if h.cache != nil {
		h.cache.Set(req.DeviceID, kind, req.Address, uint16(len(req.Values)), req.Values, h.cacheTTL)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": req.DeviceID,
		"address":   req.Address,
		"written":   len(req.Values),
	})
}

// CircuitStatus reports every device breaker.
func (h *Handler) CircuitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": h.manager.CircuitStatus(),
	})
}

// ResetCircuit forces one breaker (or all, without device_id) back to closed.
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		h.manager.ResetAllCircuits()
		writeJSON(w, http.StatusOK, map[string]any{"reset": "all"})
		return
	}
	if !h.manager.ResetCircuit(deviceID) {
		writeError(w, http.StatusNotFound, "no circuit breaker for device "+deviceID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": deviceID})
}

// CacheEntries lists cache entries, optionally filtered by device_id.
func (h *Handler) CacheEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": h.cache.Entries(r.URL.Query().Get("device_id")),
	})
}

// CacheStats reports entry counts.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.cache.GetStats())
}

// CacheClear empties the cache.
func (h *Handler) CacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": h.cache.Clear(),
	})
}

// CacheCleanup sweeps expired entries.
func (h *Handler) CacheCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": h.cache.CleanupExpired(),
	})
}

// Stats returns the metrics snapshot as JSON.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.collector.GetSnapshot())
}

// StatsReset zeroes the JSON counters. Prometheus counters stay cumulative.
func (h *Handler) StatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	h.collector.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// writeOperationError maps gateway errors onto HTTP statuses.
func (h *Handler) writeOperationError(w http.ResponseWriter, deviceID string, err error) {
	var coe *domain.CircuitOpenError
	switch {
	case errors.As(err, &coe):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":         err.Error(),
			"device_id":     deviceID,
			"retry_in_secs": coe.RetryIn.Seconds(),
			"circuit_open":  true,
		})
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrWriteUnsupported), errors.Is(err, domain.ErrInvalidRegisterKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Register operation failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func parseUint16(s string, def uint16) (uint16, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
