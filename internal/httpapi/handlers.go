// Package httpapi wires the sync server's HTTP surface: the device-facing
// sync endpoints, the SSE event stream, and the ops endpoints (/livez,
// /readyz, /metrics).
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/metrics"
	"github.com/tanq16/yamanaka/internal/mutation"
	"github.com/tanq16/yamanaka/internal/registry"
	"github.com/tanq16/yamanaka/internal/spool"
	"github.com/tanq16/yamanaka/internal/syncevents"
	"github.com/tanq16/yamanaka/internal/vaultstore"
)

const (
	pushSuccessBody    = "success, push processed and changes broadcasted"
	initialSuccessBody = "success, initial sync processed. Other clients notified."
)

// ReadinessProvider reports whether the server considers itself ready to
// serve sync traffic.
type ReadinessProvider interface {
	StartupError() error
}

// Options configures a HandlerSet.
type Options struct {
	Mutation          *mutation.Handler
	Registry          *registry.Registry
	Spool             *spool.Spool
	Metrics           *metrics.Registry
	Readiness         ReadinessProvider
	AllowedOrigin     string
	ResyncThreshold   int
	HeartbeatInterval time.Duration
	PushRateLimiter   *SlidingWindowLimiter
	Logger            *logging.Logger
}

// HandlerSet holds every dependency the HTTP surface needs and exposes
// Register to wire it onto a ServeMux.
type HandlerSet struct {
	opts      Options
	log       *logging.Logger
	startedAt time.Time
	requests  int64
}

// NewHandlerSet validates and wraps opts.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Minute
	}
	return &HandlerSet{opts: opts, log: logger.With(logging.String("component", "httpapi")), startedAt: time.Now()}
}

// Register attaches every handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	mux.Handle("/api/check", h.withCORS(h.counted(http.HandlerFunc(h.handleCheck))))
	mux.Handle("/api/sync/pull", h.withCORS(h.counted(http.HandlerFunc(h.handlePull))))
	mux.Handle("/api/sync/push", h.withCORS(h.counted(h.rateLimited(http.HandlerFunc(h.handlePush)))))
	mux.Handle("/api/sync/initial", h.withCORS(h.counted(h.rateLimited(http.HandlerFunc(h.handleInitial)))))
	mux.Handle("/api/events", h.withCORS(h.counted(http.HandlerFunc(h.handleEvents))))

	mux.HandleFunc("/livez", h.handleLiveness)
	mux.HandleFunc("/readyz", h.handleReadiness)
	mux.HandleFunc("/metrics", h.handleMetrics)
}

// withCORS allows the configured editor origin to call the API with the
// GET/POST/OPTIONS verbs the surface uses.
func (h *HandlerSet) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == h.opts.AllowedOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HandlerSet) counted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.requests, 1)
		next.ServeHTTP(w, r)
	})
}

func (h *HandlerSet) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.PushRateLimiter != nil && !h.opts.PushRateLimiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deviceID(r *http.Request) string {
	return r.URL.Query().Get("device_id")
}

// handleCheck is the health probe: a constant
// payload, no filesystem activity, and deliberately no version or hash a
// client could treat as a sync cursor.
func (h *HandlerSet) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// handlePull returns the entire vault tree.
func (h *HandlerSet) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	files, err := h.opts.Mutation.Pull()
	if err != nil {
		h.log.Error("pull failed", logging.Error(err))
		http.Error(w, "failed to list vault", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []vaultstore.File{}
	}
	writeJSON(w, http.StatusOK, struct {
		Files []vaultstore.File `json:"files"`
	}{Files: files})
}

// handlePush applies a batch of updates and deletes. The
// mutation layer skips individual bad files, so the response is success as
// long as the body itself parses.
func (h *HandlerSet) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := deviceID(r)
	if id == "" {
		http.Error(w, "missing device_id query parameter", http.StatusBadRequest)
		return
	}
	var req mutation.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := h.opts.Mutation.Push(id, req)
	h.log.Info("push processed",
		logging.String("device_id", id),
		logging.Int("updated", result.Updated),
		logging.Int("deleted", result.Deleted),
		logging.Int("skipped", result.Skipped))
	writeJSON(w, http.StatusOK, statusBody{Status: pushSuccessBody})
}

// handleInitial replaces the entire vault with an uploaded gzipped tar
// archive.
func (h *HandlerSet) handleInitial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := deviceID(r)
	if id == "" {
		http.Error(w, "missing device_id query parameter", http.StatusBadRequest)
		return
	}
	if err := h.opts.Mutation.InitialReplace(id, r.Body); err != nil {
		h.log.Error("initial replace failed", logging.Error(err), logging.String("device_id", id))
		http.Error(w, "invalid archive", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: initialSuccessBody})
}

// handleEvents serves the long-lived SSE stream. The device is
// registered first so no event produced during catch-up can be lost, then
// the spooled backlog is replayed (or collapsed into a single
// full_sync_required when it exceeds the resync threshold), and finally
// live events are relayed until the client disconnects, with periodic
// heartbeat comments keeping intermediaries from closing the connection.
func (h *HandlerSet) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := deviceID(r)
	if id == "" {
		http.Error(w, "missing device_id query parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.opts.Registry.Register(id)
	defer h.opts.Registry.Deregister(id, sub)

	backlog, err := h.opts.Spool.Drain(id)
	if err != nil {
		h.log.Error("failed to drain spool", logging.Error(err), logging.String("device_id", id))
	}
	if h.opts.ResyncThreshold > 0 && len(backlog) > h.opts.ResyncThreshold {
		resync := syncevents.NewFullSyncRequired("",
			fmt.Sprintf("%d missed updates, full sync required", len(backlog)))
		if err := writeSSE(w, resync); err != nil {
			return
		}
	} else {
		for _, event := range backlog {
			if err := writeSSE(w, event); err != nil {
				return
			}
		}
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveDrained(id)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HandlerSet) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (h *HandlerSet) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if h.opts.Readiness != nil {
		if err := h.opts.Readiness.StartupError(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}{Status: "unready", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Status           string `json:"status"`
		Uptime           string `json:"uptime"`
		TrackedDevices   int    `json:"tracked_devices"`
		ActiveDevices    int    `json:"active_devices"`
		PendingMutations int    `json:"pending_mutations"`
	}{
		Status:           "ready",
		Uptime:           time.Since(h.startedAt).String(),
		TrackedDevices:   len(h.opts.Registry.AllTracked()),
		ActiveDevices:    h.opts.Registry.ActiveCount(),
		PendingMutations: h.opts.PushRateLimiter.Pending(),
	})
}

func (h *HandlerSet) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var snap metrics.Snapshot
	if h.opts.Metrics != nil {
		snap = h.opts.Metrics.Snapshot(len(h.opts.Registry.AllTracked()), h.opts.Registry.ActiveCount())
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP yamanaka_tracked_devices Total devices ever registered.\n")
	fmt.Fprintf(w, "# TYPE yamanaka_tracked_devices gauge\n")
	fmt.Fprintf(w, "yamanaka_tracked_devices %d\n", snap.TrackedDevices)
	fmt.Fprintf(w, "# HELP yamanaka_active_devices Devices with an open event stream.\n")
	fmt.Fprintf(w, "# TYPE yamanaka_active_devices gauge\n")
	fmt.Fprintf(w, "yamanaka_active_devices %d\n", snap.ActiveDevices)
	fmt.Fprintf(w, "# HELP yamanaka_events_delivered_live_total Events delivered over an open stream.\n")
	fmt.Fprintf(w, "# TYPE yamanaka_events_delivered_live_total counter\n")
	fmt.Fprintf(w, "yamanaka_events_delivered_live_total %d\n", snap.DeliveredLive)
	fmt.Fprintf(w, "# HELP yamanaka_events_spooled_total Events that fell back to the spool.\n")
	fmt.Fprintf(w, "# TYPE yamanaka_events_spooled_total counter\n")
	fmt.Fprintf(w, "yamanaka_events_spooled_total %d\n", snap.Spooled)
	fmt.Fprintf(w, "# HELP yamanaka_http_requests_total Requests served since startup.\n")
	fmt.Fprintf(w, "# TYPE yamanaka_http_requests_total counter\n")
	fmt.Fprintf(w, "yamanaka_http_requests_total %d\n", atomic.LoadInt64(&h.requests))
	for device, depth := range snap.SpoolDepth {
		fmt.Fprintf(w, "yamanaka_spool_depth{device_id=%q} %d\n", device, depth)
	}
}

type statusBody struct {
	Status string `json:"status"`
}

// writeSSE emits one text event stream frame: the event name is the
// variant's tag and the data line its JSON body, terminated by a blank
// line.
func writeSSE(w io.Writer, event syncevents.Event) error {
	payload, err := event.Payload()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
