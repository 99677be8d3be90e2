package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	initOnce       sync.Once
	serverMutex    sync.Mutex
	currentSrv     *http.Server
	triggerMutex   sync.RWMutex
	triggerChannel chan<- string

	globalHealthChecker *HealthChecker
	healthMutex         sync.RWMutex
)

// Init initializes all metrics subsystems and registers them with Prometheus.
// Safe to call multiple times.
func Init() {
	initOnce.Do(func() {
		initRemovalMetrics()
		initDaemonMetrics()
		initAPIMetrics()
		initHealthMetrics()

		registerRemovalMetrics()
		registerDaemonMetrics()
		registerAPIMetrics()
		registerHealthMetrics()

		// exported before the first run
		LastRunTimestamp.Set(0)
	})
}

// SetTriggerChannel sets the channel Trigger sends sweep requests on.
// Each request carries the trigger label it is recorded under.
func SetTriggerChannel(ch chan<- string) {
	triggerMutex.Lock()
	defer triggerMutex.Unlock()
	triggerChannel = ch
}

// Trigger asks the daemon for an immediate sweep labeled source. It reports
// false when no daemon is listening or a sweep request is already pending.
func Trigger(source string) bool {
	triggerMutex.RLock()
	ch := triggerChannel
	triggerMutex.RUnlock()

	if ch == nil {
		return false
	}
	select {
	case ch <- source:
		return true
	default:
		return false
	}
}

// Handler serves /metrics, /health and /trigger.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		hc := GetHealthChecker()
		body := map[string]any{"status": "ok", "healthy": true}
		status := http.StatusOK
		if hc != nil {
			body["components"] = hc.Status()
			body["uptime_seconds"] = int64(hc.Uptime().Seconds())
			if !hc.IsHealthy() {
				body["status"] = "degraded"
				body["healthy"] = false
				status = http.StatusServiceUnavailable
			}
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !Trigger("manual") {
			http.Error(w, "Sweep trigger unavailable or already pending", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Sweep triggered"))
	})

	return mux
}

// StartServer starts the metrics HTTP server on addr. It returns once the
// listener is bound.
func StartServer(addr string, logger zerolog.Logger) error {
	serverMutex.Lock()
	defer serverMutex.Unlock()

	if currentSrv != nil {
		logger.Warn().Str("addr", currentSrv.Addr).Msg("metrics server already running")
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	currentSrv = srv

	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
			ErrorsTotal.Inc()
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server and stops the health checker.
func Shutdown(ctx context.Context, logger zerolog.Logger) {
	serverMutex.Lock()
	defer serverMutex.Unlock()

	healthMutex.Lock()
	if globalHealthChecker != nil {
		globalHealthChecker.Stop()
		globalHealthChecker = nil
	}
	healthMutex.Unlock()

	if currentSrv == nil {
		return
	}

	if err := currentSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
		ErrorsTotal.Inc()
	}
	currentSrv = nil
}

// SetHealthChecker sets the global health checker instance
func SetHealthChecker(hc *HealthChecker) {
	healthMutex.Lock()
	defer healthMutex.Unlock()
	globalHealthChecker = hc
}

// GetHealthChecker returns the global health checker instance
func GetHealthChecker() *HealthChecker {
	healthMutex.RLock()
	defer healthMutex.RUnlock()
	return globalHealthChecker
}
