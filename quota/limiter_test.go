package quota

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziyixi/quotaguard/testutils"
)

const testModel = "test-model"

var testTiers = TierConfig{
	"free": {
		testModel: {RPM: 2, TPM: 100, RPD: 5},
	},
	"tier1": {
		testModel: {RPM: 1000, TPM: 4000000, RPD: 10000},
	},
}

var testStart = time.Unix(1700000000, 0)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// newTestLimiter builds a file-backed limiter driven by a fake clock.
func newTestLimiter(t *testing.T, tier string, opts ...Option) (*Limiter, *testutils.FakeClock, string) {
	t.Helper()

	dir := testutils.TempDir(t, "quota_test_")
	path := filepath.Join(dir, "rate_limit_state.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := testutils.NewFakeClock(testStart)
	base := []Option{WithClock(clock.Now), WithSleeper(clock.Sleep), WithLogger(quietLogger())}
	return NewLimiter(store, testTiers, tier, append(base, opts...)...), clock, path
}

func readState(t *testing.T, path string) map[string][]UsageRecord {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var state map[string][]UsageRecord
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func TestLimiter_TierSwitching(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, "free")

	limit, ok := limiter.Tiers().Lookup(limiter.Tier(), testModel)
	require.True(t, ok)
	assert.Equal(t, 2, limit.RPM)

	limiter.SetTier("tier1")
	limit, ok = limiter.Tiers().Lookup(limiter.Tier(), testModel)
	require.True(t, ok)
	assert.Equal(t, 1000, limit.RPM)
}

func TestLimiter_UpdateUsage(t *testing.T) {
	limiter, _, path := newTestLimiter(t, "free")
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 10))

	state := readState(t, path)
	require.Len(t, state[testModel], 1)
	assert.Equal(t, 10, state[testModel][0].Tokens)
	assert.InDelta(t, 1700000000.0, state[testModel][0].Timestamp, 0.001)
}

func TestLimiter_UpdateUsage_AppendsDistinctRecords(t *testing.T) {
	limiter, _, path := newTestLimiter(t, "free")
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 7))
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 7))

	state := readState(t, path)
	require.Len(t, state[testModel], 2, "records must never be merged")

	window := History(state[testModel]).Since(testStart, MinuteWindow)
	assert.Equal(t, 14, window.Tokens())
}

func TestLimiter_UpdateUsage_UnknownModel(t *testing.T) {
	limiter, _, path := newTestLimiter(t, "free")
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, "unknown-model", 10))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, fs.ErrNotExist, "an unmetered call must not touch the store")

	_, err = limiter.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, limiter.UpdateUsage(ctx, "unknown-model", 10))
	assert.NotContains(t, readState(t, path), "unknown-model")
}

func TestLimiter_UpdateUsage_PrunesOldRecords(t *testing.T) {
	limiter, clock, path := newTestLimiter(t, "tier1")
	ctx := context.Background()

	for _, age := range []time.Duration{25 * time.Hour, 24*time.Hour + time.Second, 23 * time.Hour, time.Hour} {
		clock.Set(testStart.Add(-age))
		require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	}
	clock.Set(testStart)
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))

	state := readState(t, path)
	require.Len(t, state[testModel], 3)
	for _, r := range state[testModel] {
		assert.LessOrEqual(t, testStart.Sub(r.Time()), DayWindow)
	}
}

func TestLimiter_WaitIfNeeded_UnknownModel(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")

	err := limiter.WaitIfNeeded(context.Background(), "unknown-model", 1000000)

	assert.NoError(t, err)
	assert.Empty(t, clock.Sleeps())
}

func TestLimiter_WaitIfNeeded_WithinLimits(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 10))
	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 50))

	assert.Empty(t, clock.Sleeps())
}

func TestLimiter_RPMLimitTrigger(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	// RPM is 2
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))

	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 1))

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.Greater(t, sleeps[0], time.Duration(0))
	assert.InDelta(t, 60.1, sleeps[0].Seconds(), 0.001)
}

func TestLimiter_TPMLimitTrigger(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	// TPM is 100
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 90))
	clock.Add(10 * time.Second)

	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 20))

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.InDelta(t, 50.1, sleeps[0].Seconds(), 0.001)
}

func TestLimiter_PromptExceedsTPM(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")

	err := limiter.WaitIfNeeded(context.Background(), testModel, 110)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaImpossible)
	var impossible *ImpossibleError
	require.ErrorAs(t, err, &impossible)
	assert.Equal(t, 110, impossible.PromptTokens)
	assert.Equal(t, 100, impossible.TPM)
	assert.Contains(t, err.Error(), "exceed TPM limit")
	assert.Empty(t, clock.Sleeps(), "an impossible request must never block")
}

func TestLimiter_RPDLimitTrigger(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	// RPD is 5, spread over the last day so the minute windows stay clear
	for h := 23; h >= 19; h-- {
		clock.Set(testStart.Add(-time.Duration(h) * time.Hour))
		require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	}
	clock.Set(testStart)

	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 1))

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.InDelta(t, (time.Hour + time.Second).Seconds(), sleeps[0].Seconds(), 0.001)
}

func TestLimiter_TierSwitchUnblocksWaiter(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))

	// Time stands still, so only the tier switch can release the waiter.
	clock.Advance = false
	clock.OnSleep = func(n int) {
		if n == 1 {
			limiter.SetTier("tier1")
		}
	}

	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 1))
	assert.Len(t, clock.Sleeps(), 1)
}

func TestLimiter_WaitIfNeeded_ContextCanceled(t *testing.T) {
	dir := testutils.TempDir(t, "quota_cancel_")
	store, err := NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	limiter := NewLimiter(store, TierConfig{"free": {testModel: {RPM: 1, TPM: 1000, RPD: 100}}}, "free",
		WithLogger(quietLogger()))
	require.NoError(t, limiter.UpdateUsage(context.Background(), testModel, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = limiter.WaitIfNeeded(ctx, testModel, 1)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLimiter_ConcurrentUpdatesAcrossStores(t *testing.T) {
	dir := testutils.TempDir(t, "quota_concurrent_")
	path := filepath.Join(dir, "state.json")

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		// Each worker gets its own store, as a separate process would.
		store, err := NewFileStore(path, WithLockRetryDelay(time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		limiter := NewLimiter(store, testTiers, "tier1", WithLogger(quietLogger()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				errs <- limiter.UpdateUsage(context.Background(), testModel, 3)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	state := readState(t, path)
	assert.Len(t, state[testModel], workers*perWorker)
	assert.Equal(t, workers*perWorker*3, History(state[testModel]).Tokens())
}

func TestLimiter_Snapshot(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, "free")
	ctx := context.Background()

	clock.Set(testStart.Add(-2 * time.Hour))
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 40))
	clock.Set(testStart)
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 15))

	usage, err := limiter.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, ModelUsage{
		Model:             testModel,
		Limit:             Limit{RPM: 2, TPM: 100, RPD: 5},
		RequestsPerMinute: 1,
		TokensPerMinute:   15,
		RequestsPerDay:    2,
	}, usage[0])
}

func TestLimiter_Metrics(t *testing.T) {
	metrics := NewMetrics(nil)
	limiter, _, _ := newTestLimiter(t, "free", WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	require.NoError(t, limiter.UpdateUsage(ctx, testModel, 1))
	require.NoError(t, limiter.WaitIfNeeded(ctx, testModel, 1))
	require.NoError(t, limiter.WaitIfNeeded(ctx, "other-model", 1))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.admissions.WithLabelValues(testModel, "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.admissions.WithLabelValues("other-model", "unlimited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.waits.WithLabelValues(testModel, string(LimitRPM))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.recordedTokens.WithLabelValues(testModel)))
}

func TestEvaluate_CheckOrder(t *testing.T) {
	now := testStart
	limit := Limit{RPM: 2, TPM: 100, RPD: 2}
	history := History{
		NewUsageRecord(now.Add(-30*time.Second), 60),
		NewUsageRecord(now.Add(-10*time.Second), 60),
	}

	t.Run("rpm is reported before tpm and rpd", func(t *testing.T) {
		d, err := evaluate(now, testModel, history, limit, 10)
		require.NoError(t, err)
		assert.False(t, d.admitted)
		assert.Equal(t, LimitRPM, d.limit)
		assert.InDelta(t, 30.1, d.wait.Seconds(), 0.001)
	})

	t.Run("tpm waits on the oldest record in the minute window", func(t *testing.T) {
		d, err := evaluate(now, testModel, history[1:], limit, 50)
		require.NoError(t, err)
		assert.Equal(t, LimitTPM, d.limit)
		assert.InDelta(t, 50.1, d.wait.Seconds(), 0.001)
	})

	t.Run("rpd uses the oldest record of the day", func(t *testing.T) {
		old := History{
			NewUsageRecord(now.Add(-20*time.Hour), 1),
			NewUsageRecord(now.Add(-2*time.Hour), 1),
		}
		d, err := evaluate(now, testModel, old, limit, 1)
		require.NoError(t, err)
		assert.Equal(t, LimitRPD, d.limit)
		assert.InDelta(t, (4*time.Hour + time.Second).Seconds(), d.wait.Seconds(), 0.001)
	})

	t.Run("out of order records still find the oldest", func(t *testing.T) {
		shuffled := History{history[1], history[0]}
		d, err := evaluate(now, testModel, shuffled, limit, 1)
		require.NoError(t, err)
		assert.InDelta(t, 30.1, d.wait.Seconds(), 0.001)
	})

	t.Run("admits when all checks pass", func(t *testing.T) {
		d, err := evaluate(now, testModel, nil, limit, 100)
		require.NoError(t, err)
		assert.True(t, d.admitted)
	})
}
