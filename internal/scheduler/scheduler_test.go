package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rmtree/internal/config"
	"rmtree/internal/fsops"
	"rmtree/internal/remover"
	"rmtree/internal/safety"
)

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) RecordResult(ctx context.Context, trigger string, keepRoot bool, res remover.Result) (int64, error) {
	args := m.Called(ctx, trigger, keepRoot, res)
	return args.Get(0).(int64), args.Error(1)
}

type mockProber struct {
	mock.Mock
}

func (m *mockProber) IsStale(path string, timeout time.Duration) bool {
	return m.Called(path, timeout).Bool(0)
}

func (m *mockProber) FreeBytes(path string) (uint64, error) {
	args := m.Called(path)
	return args.Get(0).(uint64), args.Error(1)
}

func healthyProber() *mockProber {
	p := &mockProber{}
	p.On("IsStale", mock.Anything, mock.Anything).Return(false)
	p.On("FreeBytes", mock.Anything).Return(uint64(1<<30), nil)
	return p
}

func rootIs(root string) any {
	return mock.MatchedBy(func(res remover.Result) bool { return res.Root == root })
}

func testConfig(targets ...config.Target) *config.Config {
	cfg := config.Default()
	cfg.Targets = targets
	return cfg
}

func TestSweep_RemovesAllTargets(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/x", 10)
	f.AddFile("/data/b/y", 20)
	f.AddFile("/data/b/sub/z", 30)

	h := &mockHistory{}
	h.On("RecordResult", mock.Anything, TriggerSchedule, false, rootIs("/data/a")).Return(int64(1), nil).Once()
	h.On("RecordResult", mock.Anything, TriggerSchedule, true, rootIs("/data/b")).Return(int64(2), nil).Once()

	s := New(testConfig(config.Target{Path: "/data/a"}, config.Target{Path: "/data/b", KeepRoot: true}),
		zerolog.Nop(), WithFS(f), WithHistory(h), WithProber(healthyProber()))

	sum := s.Sweep(context.Background(), TriggerSchedule)

	require.True(t, sum.OK)
	require.Len(t, sum.Targets, 2)
	assert.False(t, f.Exists("/data/a"))
	assert.True(t, f.Exists("/data/b"))
	assert.False(t, f.Exists("/data/b/sub"))
	assert.Equal(t, int64(1), sum.Targets[0].RunID)
	assert.Equal(t, int64(2), sum.Targets[1].RunID)
	assert.Equal(t, 3, sum.Targets[1].Result.Removed)
	h.AssertExpectations(t)
}

func TestSweep_FailingTargetDoesNotStopOthers(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/locked", 1)
	f.AddFile("/data/b/free", 1)
	f.Fail(fsops.OpRemove, "/data/a/locked", fs.ErrPermission)

	s := New(testConfig(config.Target{Path: "/data/a"}, config.Target{Path: "/data/b"}),
		zerolog.Nop(), WithFS(f), WithProber(healthyProber()))

	sum := s.Sweep(context.Background(), TriggerManual)

	assert.False(t, sum.OK)
	assert.False(t, sum.Targets[0].OK())
	assert.True(t, sum.Targets[1].OK())
	assert.False(t, f.Exists("/data/b"))
	assert.True(t, f.Exists("/data/a/locked"))
}

func TestSweep_SkipsStaleTargets(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/mnt/nfs/x", 1)
	f.AddFile("/data/a/x", 1)

	p := &mockProber{}
	p.On("IsStale", "/mnt/nfs", 5*time.Second).Return(true)
	p.On("IsStale", "/data/a", 5*time.Second).Return(false)
	p.On("FreeBytes", "/data/a").Return(uint64(0), errors.New("statfs failed"))

	h := &mockHistory{}
	h.On("RecordResult", mock.Anything, TriggerSchedule, false, rootIs("/data/a")).Return(int64(7), nil).Once()

	s := New(testConfig(config.Target{Path: "/mnt/nfs"}, config.Target{Path: "/data/a"}),
		zerolog.Nop(), WithFS(f), WithHistory(h), WithProber(p))

	sum := s.Sweep(context.Background(), TriggerSchedule)

	assert.False(t, sum.OK)
	assert.Equal(t, SkipStale, sum.Targets[0].Skipped)
	assert.True(t, f.Exists("/mnt/nfs/x"))
	assert.NotContains(t, f.CallsFor(fsops.OpLstat), "/mnt/nfs")
	assert.True(t, sum.Targets[1].OK())
	h.AssertExpectations(t)
	p.AssertExpectations(t)
}

func TestSweep_HistoryErrorIsNotFatal(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/x", 1)

	h := &mockHistory{}
	h.On("RecordResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("database is locked"))

	s := New(testConfig(config.Target{Path: "/data/a"}), zerolog.Nop(), WithFS(f), WithHistory(h), WithProber(healthyProber()))
	sum := s.Sweep(context.Background(), TriggerSchedule)

	assert.True(t, sum.OK)
	assert.Zero(t, sum.Targets[0].RunID)
}

func TestSweep_ForcedDryRun(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/x", 5)

	s := New(testConfig(config.Target{Path: "/data/a"}), zerolog.Nop(), WithFS(f), WithDryRun(true), WithProber(healthyProber()))
	sum := s.Sweep(context.Background(), TriggerCLI)

	assert.True(t, sum.OK)
	assert.True(t, sum.Targets[0].Result.DryRun)
	assert.Equal(t, 2, sum.Targets[0].Result.Removed)
	assert.True(t, f.Exists("/data/a/x"))
	assert.Empty(t, f.CallsFor(fsops.OpRemove))
}

func TestSweep_GuardRefusesProtectedTarget(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/etc/x", 1)

	cfg := testConfig(config.Target{Path: "/etc"})
	s := New(cfg, zerolog.Nop(), WithFS(f), WithProber(healthyProber()))
	sum := s.Sweep(context.Background(), TriggerSchedule)

	assert.False(t, sum.OK)
	require.NotEmpty(t, sum.Targets[0].Result.Failures)
	assert.Equal(t, remover.OpGuard, sum.Targets[0].Result.Failures[0].Op)
	assert.Empty(t, f.CallsFor(fsops.OpRemove))
}

func TestRemovePath(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/tmp/x", 3)

	h := &mockHistory{}
	h.On("RecordResult", mock.Anything, TriggerAPI, false, rootIs("/data/tmp")).Return(int64(9), nil).Once()

	s := New(testConfig(), zerolog.Nop(), WithFS(f), WithHistory(h), WithProber(healthyProber()))

	res, err := s.RemovePath(context.Background(), "file:///data/tmp", TriggerAPI)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, f.Exists("/data/tmp"))
	h.AssertExpectations(t)
}

func TestRemovePath_Rejections(t *testing.T) {
	s := New(testConfig(), zerolog.Nop(), WithFS(fsops.NewFakeFS()), WithProber(healthyProber()))

	_, err := s.RemovePath(context.Background(), "s3://bucket/key", TriggerAPI)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorIs(t, err, safety.ErrScheme)

	_, err = s.RemovePath(context.Background(), "", TriggerAPI)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = s.RemovePath(context.Background(), "/usr/lib", TriggerAPI)
	assert.ErrorIs(t, err, ErrRefused)
	assert.ErrorIs(t, err, safety.ErrProtectedPath)

	_, err = s.RemovePath(context.Background(), "/data/../etc", TriggerAPI)
	assert.ErrorIs(t, err, ErrRefused)
	assert.ErrorIs(t, err, safety.ErrTraversal)
}

func TestSetConfig_SwapsTargets(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/x", 1)
	f.AddFile("/data/b/x", 1)

	s := New(testConfig(config.Target{Path: "/data/a"}), zerolog.Nop(), WithFS(f), WithProber(healthyProber()))
	s.SetConfig(testConfig(config.Target{Path: "/data/b"}))

	s.Sweep(context.Background(), TriggerSchedule)
	assert.True(t, f.Exists("/data/a/x"))
	assert.False(t, f.Exists("/data/b"))
}

func TestRun_SweepsOnStartAndTrigger(t *testing.T) {
	f := fsops.NewFakeFS()
	f.AddFile("/data/a/x", 1)

	swept := make(chan string, 2)
	record := func(args mock.Arguments) { swept <- args.String(1) }
	h := &mockHistory{}
	h.On("RecordResult", mock.Anything, TriggerSchedule, false, mock.Anything).Return(int64(1), nil).Once()
	h.On("RecordResult", mock.Anything, TriggerManual, false, mock.Anything).Return(int64(2), nil).Run(record).Once()
	h.On("RecordResult", mock.Anything, TriggerAPI, false, mock.Anything).Return(int64(3), nil).Run(record).Once()

	s := New(testConfig(config.Target{Path: "/data/a"}), zerolog.Nop(), WithFS(f), WithHistory(h), WithProber(healthyProber()))

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, triggers) }()

	// an unlabeled trigger is a manual sweep; a labeled one keeps its source
	for _, want := range []struct{ send, recorded string }{
		{"", TriggerManual},
		{TriggerAPI, TriggerAPI},
	} {
		triggers <- want.send
		select {
		case got := <-swept:
			assert.Equal(t, want.recorded, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("%q sweep did not run", want.recorded)
		}
	}

	// a reload with a new interval must not disturb the loop
	next := testConfig(config.Target{Path: "/data/a"})
	next.IntervalMinutes = 1
	s.SetConfig(next)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.AssertExpectations(t)
}
