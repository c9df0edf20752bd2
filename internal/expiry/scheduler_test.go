package expiry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MaxSonchik/DevOS/internal/utils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	fired     []string
	abandoned []string
	attempts  map[string]int
	expireFn  func(e Entry) error
}

func newRecorder(fn func(e Entry) error) *recorder {
	return &recorder{attempts: make(map[string]int), expireFn: fn}
}

func (r *recorder) Expire(_ context.Context, e Entry) error {
	r.mu.Lock()
	r.attempts[e.ID]++
	fn := r.expireFn
	r.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(e)
	}
	if err == nil {
		r.mu.Lock()
		r.fired = append(r.fired, e.ID)
		r.mu.Unlock()
	}
	return err
}

func (r *recorder) Abandon(_ context.Context, e Entry, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, e.ID)
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...), append([]string(nil), r.abandoned...)
}

func (r *recorder) attemptsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxAttempts: max, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffFactor: 2}
}

func startScheduler(t *testing.T, h Handler, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Nop())}, opts...)
	s := New(h, opts...)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

// TestScheduler_FiresInDeadlineOrder tests that entries fire once, earliest first
// TestScheduler_FiresInDeadlineOrder 测试过期项按截止时间先后只触发一次
func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	rec := newRecorder(nil)
	s := startScheduler(t, rec)

	now := time.Now()
	s.Schedule(Entry{ID: "c", Key: "10.0.0.3/32", Deadline: now.Add(60 * time.Millisecond)})
	s.Schedule(Entry{ID: "a", Key: "10.0.0.1/32", Deadline: now.Add(20 * time.Millisecond)})
	s.Schedule(Entry{ID: "b", Key: "10.0.0.2/32", Deadline: now.Add(40 * time.Millisecond)})
	assert.Equal(t, 3, s.Len())

	assert.Eventually(t, func() bool {
		fired, _ := rec.snapshot()
		return len(fired) == 3
	}, 2*time.Second, 5*time.Millisecond)

	fired, _ := rec.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Pending("a"))
}

func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	rec := newRecorder(nil)
	s := startScheduler(t, rec)

	s.Schedule(Entry{ID: "late", Deadline: time.Now().Add(-time.Hour)})
	assert.Eventually(t, func() bool {
		fired, _ := rec.snapshot()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestScheduler_Cancel tests that a cancelled entry never fires
// TestScheduler_Cancel 测试已取消的过期项不会触发
func TestScheduler_Cancel(t *testing.T) {
	rec := newRecorder(nil)
	s := startScheduler(t, rec)

	s.Schedule(Entry{ID: "x", Deadline: time.Now().Add(30 * time.Millisecond)})
	assert.True(t, s.Pending("x"))
	assert.True(t, s.Cancel("x"))
	assert.False(t, s.Cancel("x"))
	assert.False(t, s.Pending("x"))

	time.Sleep(80 * time.Millisecond)
	fired, _ := rec.snapshot()
	assert.Empty(t, fired)
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	rec := newRecorder(nil)
	s := startScheduler(t, rec)

	s.Schedule(Entry{ID: "x", Deadline: time.Now().Add(20 * time.Millisecond)})
	later := time.Now().Add(time.Hour)
	s.Schedule(Entry{ID: "x", Deadline: later})
	assert.Equal(t, 1, s.Len())

	d, ok := s.Deadline("x")
	require.True(t, ok)
	assert.True(t, d.Equal(later))

	time.Sleep(60 * time.Millisecond)
	fired, _ := rec.snapshot()
	assert.Empty(t, fired)
}

// TestScheduler_RetryThenAbandon tests bounded retries followed by abandonment
// TestScheduler_RetryThenAbandon 测试有界重试后放弃
func TestScheduler_RetryThenAbandon(t *testing.T) {
	boom := errors.New("backend down")
	rec := newRecorder(func(Entry) error { return boom })
	s := startScheduler(t, rec, WithRetry(fastRetry(3)))

	s.Schedule(Entry{ID: "x", Key: "10.0.0.9/32", Deadline: time.Now()})

	assert.Eventually(t, func() bool {
		_, abandoned := rec.snapshot()
		return len(abandoned) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, rec.attemptsFor("x"))
	assert.False(t, s.Pending("x"))
}

func TestScheduler_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	rec := newRecorder(func(Entry) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	s := startScheduler(t, rec, WithRetry(fastRetry(5)))

	s.Schedule(Entry{ID: "x", Deadline: time.Now()})
	assert.Eventually(t, func() bool {
		fired, _ := rec.snapshot()
		return len(fired) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, abandoned := rec.snapshot()
	assert.Empty(t, abandoned)
	assert.Equal(t, 3, rec.attemptsFor("x"))
}

// TestScheduler_CancelDuringFiring tests that cancelling an in-flight entry prevents its retry
// TestScheduler_CancelDuringFiring 测试取消正在触发的过期项会阻止其重试
func TestScheduler_CancelDuringFiring(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := newRecorder(func(Entry) error {
		close(entered)
		<-release
		return errors.New("failed while cancelled")
	})
	s := startScheduler(t, rec, WithRetry(fastRetry(5)))

	s.Schedule(Entry{ID: "x", Deadline: time.Now()})
	<-entered
	assert.True(t, s.Pending("x"))
	assert.True(t, s.Cancel("x"))
	assert.False(t, s.Pending("x"))
	close(release)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.attemptsFor("x"))
	assert.Equal(t, 0, s.Len())
	_, abandoned := rec.snapshot()
	assert.Empty(t, abandoned)
}

func TestScheduler_StopKeepsPending(t *testing.T) {
	rec := newRecorder(nil)
	s := New(rec, WithLogger(logger.Nop()))
	s.Schedule(Entry{ID: "x", Deadline: time.Now().Add(time.Hour)})
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	assert.True(t, s.Pending("x"))
	assert.Equal(t, 1, s.Len())
}

func TestHandlerFuncs(t *testing.T) {
	var abandoned bool
	h := HandlerFuncs{AbandonFunc: func(context.Context, Entry, error) { abandoned = true }}
	assert.NoError(t, h.Expire(context.Background(), Entry{}))
	h.Abandon(context.Background(), Entry{}, nil)
	assert.True(t, abandoned)
}

// TestRetryConfig_Backoff tests exponential growth capped at MaxDelay
// TestRetryConfig_Backoff 测试指数增长并以 MaxDelay 为上限
func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 5*time.Second, cfg.Backoff(3))
	assert.Equal(t, 5*time.Second, cfg.Backoff(100))
	assert.Equal(t, time.Second, cfg.Backoff(-1))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := cfg.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestRetryConfig_Defaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}
