package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Health metrics
var (
	// ComponentHealthy tracks individual component health (1=healthy, 0=unhealthy)
	ComponentHealthy *prometheus.GaugeVec

	// HealthCheckDuration tracks health check execution time
	HealthCheckDuration *prometheus.HistogramVec

	// HealthCheckFailures counts consecutive failures per component
	HealthCheckFailures *prometheus.GaugeVec

	// StartTime records the daemon start timestamp
	StartTime prometheus.Gauge
)

var errHealthCheckTimeout = errors.New("health check timeout")

func initHealthMetrics() {
	ComponentHealthy = NewGaugeVec(
		"rmtree_component_healthy",
		"Component health status (1=healthy, 0=unhealthy).",
		[]string{"component"},
	)

	HealthCheckDuration = NewHistogramVec(
		"rmtree_health_check_duration_seconds",
		"Time taken to execute health checks.",
		HealthBuckets,
		[]string{"component"},
	)

	HealthCheckFailures = NewGaugeVec(
		"rmtree_health_check_failures_consecutive",
		"Consecutive health check failures per component.",
		[]string{"component"},
	)

	StartTime = NewGauge(
		"rmtree_daemon_start_timestamp_seconds",
		"Unix timestamp when the daemon started.",
	)
}

func registerHealthMetrics() {
	prometheus.MustRegister(ComponentHealthy)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(HealthCheckFailures)
	prometheus.MustRegister(StartTime)
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

type component struct {
	check        CheckFunc
	timeout      time.Duration
	healthy      bool
	failureCount int
	lastErr      string
}

// ComponentStatus is the reported state of one component.
type ComponentStatus struct {
	Healthy  bool   `json:"healthy"`
	Failures int    `json:"consecutive_failures"`
	Error    string `json:"error,omitempty"`
}

// HealthChecker runs registered component checks on an interval.
type HealthChecker struct {
	mu         sync.RWMutex
	startTime  time.Time
	components map[string]*component
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	hc := &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]*component),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
	StartTime.Set(float64(hc.startTime.Unix()))
	return hc
}

// RegisterComponent adds a check. A zero timeout means no timeout.
func (hc *HealthChecker) RegisterComponent(name string, check CheckFunc, timeout time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.components[name] = &component{check: check, timeout: timeout, healthy: true}
	ComponentHealthy.WithLabelValues(name).Set(1)
	HealthCheckFailures.WithLabelValues(name).Set(0)
}

// Start begins periodic checking. The first round runs immediately.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = true
	hc.mu.Unlock()

	hc.wg.Add(1)
	go hc.loop()
}

// Stop halts checking and waits for the loop to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = false
	hc.mu.Unlock()

	close(hc.stopCh)
	hc.wg.Wait()
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckNow()
	for {
		select {
		case <-ticker.C:
			hc.CheckNow()
		case <-hc.stopCh:
			return
		}
	}
}

// CheckNow runs every check once. Checks run without holding the lock.
func (hc *HealthChecker) CheckNow() {
	hc.mu.RLock()
	checks := make(map[string]*component, len(hc.components))
	for name, c := range hc.components {
		checks[name] = c
	}
	hc.mu.RUnlock()

	for name, c := range checks {
		start := time.Now()
		err := runWithTimeout(c.check, c.timeout)
		HealthCheckDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		hc.mu.Lock()
		if err != nil {
			c.healthy = false
			c.failureCount++
			c.lastErr = err.Error()
		} else {
			c.healthy = true
			c.failureCount = 0
			c.lastErr = ""
		}
		failures := c.failureCount
		hc.mu.Unlock()

		if err != nil {
			ComponentHealthy.WithLabelValues(name).Set(0)
			ErrorsTotal.Inc()
		} else {
			ComponentHealthy.WithLabelValues(name).Set(1)
		}
		HealthCheckFailures.WithLabelValues(name).Set(float64(failures))
	}
}

// runWithTimeout gives up waiting on fn after timeout; fn may keep running
// if it ignores ctx, e.g. a stat blocked on a dead NFS server.
func runWithTimeout(fn CheckFunc, timeout time.Duration) error {
	if timeout <= 0 {
		return fn(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return errHealthCheckTimeout
	}
}

// Status returns the current state of every component.
func (hc *HealthChecker) Status() map[string]ComponentStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]ComponentStatus, len(hc.components))
	for name, c := range hc.components {
		out[name] = ComponentStatus{Healthy: c.healthy, Failures: c.failureCount, Error: c.lastErr}
	}
	return out
}

// IsHealthy reports whether every component passed its last check.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for _, c := range hc.components {
		if !c.healthy {
			return false
		}
	}
	return true
}

// Uptime returns how long the checker has existed.
func (hc *HealthChecker) Uptime() time.Duration {
	return time.Since(hc.startTime)
}
