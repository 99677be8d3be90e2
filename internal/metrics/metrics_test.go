package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rmtree/internal/fsops"
	"rmtree/internal/remover"
)

func TestInit_IdempotentAndRegistered(t *testing.T) {
	Init()
	Init()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}

	// unlabeled collectors are always exported; vecs only once they have a child
	for _, name := range []string{
		"rmtree_entries_removed_total",
		"rmtree_bytes_removed_total",
		"rmtree_run_duration_seconds",
		"rmtree_last_run_timestamp",
		"rmtree_daemon_errors_total",
		"rmtree_daemon_start_timestamp_seconds",
	} {
		assert.True(t, found[name], "metric %s not registered", name)
	}
}

func TestObserver_CountsRemovedEntries(t *testing.T) {
	Init()

	f := fsops.NewFakeFS()
	f.AddFile("/data/a", 100)
	f.AddFile("/data/sub/b", 20)
	f.AddFile("/data/locked", 1)
	f.Fail(fsops.OpRemove, "/data/locked", fs.ErrPermission)

	removed := testutil.ToFloat64(EntriesRemovedTotal)
	bytes := testutil.ToFloat64(BytesRemovedTotal)
	denied := testutil.ToFloat64(EntryFailuresTotal.WithLabelValues(string(fsops.KindPermission)))

	res := remover.New(f, remover.WithObserver(Observer{})).Remove(context.Background(), "/data")
	require.False(t, res.OK)

	assert.Equal(t, removed+3, testutil.ToFloat64(EntriesRemovedTotal))
	assert.Equal(t, bytes+120, testutil.ToFloat64(BytesRemovedTotal))
	assert.Equal(t, denied+1, testutil.ToFloat64(EntryFailuresTotal.WithLabelValues(string(fsops.KindPermission))))
}

func TestObserver_DryRunSkipsRemovedCounts(t *testing.T) {
	Init()

	f := fsops.NewFakeFS()
	f.AddFile("/dry/a", 100)

	removed := testutil.ToFloat64(EntriesRemovedTotal)
	res := remover.New(f, remover.WithDryRun(true), remover.WithObserver(Observer{DryRun: true})).
		Remove(context.Background(), "/dry")
	require.True(t, res.OK)

	assert.Equal(t, removed, testutil.ToFloat64(EntriesRemovedTotal))
}

func TestRecordRun(t *testing.T) {
	Init()

	tests := []struct {
		res     remover.Result
		outcome string
	}{
		{remover.Result{OK: true, Duration: time.Second}, OutcomeOK},
		{remover.Result{OK: false}, OutcomePartial},
		{remover.Result{OK: true, DryRun: true}, OutcomeDryRun},
	}
	for _, tt := range tests {
		before := testutil.ToFloat64(RunsTotal.WithLabelValues("cli", tt.outcome))
		RecordRun("cli", tt.res)
		assert.Equal(t, before+1, testutil.ToFloat64(RunsTotal.WithLabelValues("cli", tt.outcome)))
	}
	assert.Greater(t, testutil.ToFloat64(LastRunTimestamp), float64(0))
}

func TestDaemonHelpers(t *testing.T) {
	Init()

	UpdateFreeBytes("/data", 4096)
	assert.Equal(t, float64(4096), testutil.ToFloat64(TargetFreeBytes.WithLabelValues("/data")))

	before := testutil.ToFloat64(TargetsSkippedTotal.WithLabelValues("/data", "stale"))
	RecordSkip("/data", "stale")
	assert.Equal(t, before+1, testutil.ToFloat64(TargetsSkippedTotal.WithLabelValues("/data", "stale")))

	ObserveRequest("/api/v1/health", "GET", "200", 0.01)
	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/api/v1/health", "GET", "200")), float64(1))
}

func TestHandler_Trigger(t *testing.T) {
	Init()
	h := Handler()

	// GET is rejected
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	ch := make(chan string, 1)
	SetTriggerChannel(ch)
	defer SetTriggerChannel(nil)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ch, 1)
	assert.Equal(t, "manual", <-ch)
	ch <- "manual"

	// a pending trigger is not queued twice
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Metrics(t *testing.T) {
	Init()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rmtree_last_run_timestamp"))
}

func TestHealthChecker(t *testing.T) {
	Init()

	dir := t.TempDir()
	hc := NewHealthChecker(time.Hour)
	hc.RegisterComponent("target", func(ctx context.Context) error {
		_, err := os.Stat(filepath.Join(dir, "marker"))
		return err
	}, time.Second)
	hc.RegisterComponent("slow", func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}, 10*time.Millisecond)

	hc.CheckNow()
	status := hc.Status()
	assert.False(t, hc.IsHealthy())
	assert.False(t, status["target"].Healthy)
	assert.Equal(t, 1, status["target"].Failures)
	assert.Equal(t, errHealthCheckTimeout.Error(), status["slow"].Error)

	SetHealthChecker(hc)
	defer SetHealthChecker(nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status     string                     `json:"status"`
		Components map[string]ComponentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Components, "target")
}

func TestHealthChecker_Recovers(t *testing.T) {
	Init()

	fail := true
	hc := NewHealthChecker(time.Hour)
	hc.RegisterComponent("history", func(context.Context) error {
		if fail {
			return errors.New("database is locked")
		}
		return nil
	}, 0)

	hc.CheckNow()
	assert.False(t, hc.IsHealthy())

	fail = false
	hc.CheckNow()
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, 0, hc.Status()["history"].Failures)
	assert.Equal(t, float64(1), testutil.ToFloat64(ComponentHealthy.WithLabelValues("history")))
}

func TestHealthChecker_StartStop(t *testing.T) {
	Init()

	ran := make(chan struct{}, 1)
	hc := NewHealthChecker(time.Hour)
	hc.RegisterComponent("ping", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, 0)

	hc.Start()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("initial check did not run")
	}
	hc.Stop()
	hc.Stop()
}

func TestHandler_HealthWithoutChecker(t *testing.T) {
	Init()
	SetHealthChecker(nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
}
