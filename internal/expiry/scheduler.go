// Package expiry schedules the automatic removal of temporary rules.
// A single goroutine waits for the nearest deadline; handlers run outside
// the scheduler lock and failed expiries are retried with bounded
// exponential backoff.
// Package expiry 调度临时规则的自动移除。单个 goroutine 等待最近的截止时间；
// 处理函数在调度器锁之外执行，失败的过期操作按有界指数退避重试。
package expiry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// Entry is a pending expiry. ID is the rule ID; Key is the rule's address,
// carried for logging and for the handler's lookup.
// Entry 是待执行的过期项。ID 为规则 ID；Key 为规则地址，用于日志和查找。
type Entry struct {
	ID       string
	Key      string
	Deadline time.Time
	// Attempt counts failed expiry attempts so far.
	Attempt int
}

// Handler receives due entries.
// Handler 接收到期的过期项。
type Handler interface {
	// Expire retracts the rule. A non-nil error schedules a retry.
	Expire(ctx context.Context, e Entry) error
	// Abandon is called once retries are exhausted; lastErr is the final failure.
	Abandon(ctx context.Context, e Entry, lastErr error)
}

// HandlerFuncs adapts two functions to Handler.
type HandlerFuncs struct {
	ExpireFunc  func(ctx context.Context, e Entry) error
	AbandonFunc func(ctx context.Context, e Entry, lastErr error)
}

func (h HandlerFuncs) Expire(ctx context.Context, e Entry) error {
	if h.ExpireFunc == nil {
		return nil
	}
	return h.ExpireFunc(ctx, e)
}

func (h HandlerFuncs) Abandon(ctx context.Context, e Entry, lastErr error) {
	if h.AbandonFunc != nil {
		h.AbandonFunc(ctx, e, lastErr)
	}
}

// flight tracks an entry whose handler is currently running.
type flight struct {
	cancelled bool
}

// Scheduler owns the deadline heap.
type Scheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	index    map[string]*item
	inflight map[string]*flight

	handler Handler
	retry   RetryConfig
	log     *zap.SugaredLogger
	now     func() time.Time

	wake    chan struct{}
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	fireWG  sync.WaitGroup
	running bool
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetry sets the retry policy. Zero fields keep their defaults.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Scheduler) { s.retry = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used to decide what is due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler. Call Start to begin firing entries.
// New 创建调度器。调用 Start 后开始触发过期项。
func New(h Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		index:    make(map[string]*item),
		inflight: make(map[string]*flight),
		handler:  h,
		retry:    DefaultRetryConfig(),
		log:      logger.Get(nil),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers e, replacing any pending entry with the same ID.
// Schedule 注册 e，替换相同 ID 的待执行项。
func (s *Scheduler) Schedule(e Entry) {
	s.mu.Lock()
	if it, ok := s.index[e.ID]; ok {
		it.entry = e
		heap.Fix(&s.heap, it.index)
	} else {
		it := &item{entry: e}
		heap.Push(&s.heap, it)
		s.index[e.ID] = it
	}
	s.mu.Unlock()
	s.signal()
}

// Cancel removes the entry with the given ID. It returns true if an entry
// was pending or firing. A firing entry is marked so that a failure of the
// running handler is not retried.
// Cancel 移除指定 ID 的过期项。若该项待执行或正在触发则返回 true；
// 正在触发的项会被标记，其失败不会再重试。
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if it, ok := s.index[id]; ok {
		heap.Remove(&s.heap, it.index)
		delete(s.index, id)
		found = true
	}
	if f, ok := s.inflight[id]; ok {
		f.cancelled = true
		found = true
	}
	return found
}

// Pending reports whether id is waiting for its deadline or firing.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return true
	}
	f, ok := s.inflight[id]
	return ok && !f.cancelled
}

// Deadline returns the registered deadline for id.
func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.index[id]; ok {
		return it.entry.Deadline, true
	}
	return time.Time{}, false
}

// Len returns the number of entries waiting for their deadline.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Start launches the timer goroutine. It is a no-op when already running.
// Start 启动定时器 goroutine；已运行时不做任何事。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.loopWG.Add(1)
	go s.run(ctx)
}

// Stop halts the timer goroutine and waits for running handlers.
// Pending entries are kept so Pending and Len stay accurate.
// Stop 停止定时器 goroutine 并等待正在运行的处理函数。待执行项会被保留。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()
	s.fireWG.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWG.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.collectDue()
		for _, e := range due {
			s.fireWG.Add(1)
			go s.fire(ctx, e)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// collectDue pops every entry whose deadline has passed, marks it in
// flight and returns how long to wait for the next one.
func (s *Scheduler) collectDue() ([]Entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []Entry
	for s.heap.Len() > 0 && !s.heap[0].entry.Deadline.After(now) {
		it := heap.Pop(&s.heap).(*item)
		delete(s.index, it.entry.ID)
		s.inflight[it.entry.ID] = &flight{}
		due = append(due, it.entry)
	}

	wait := time.Hour
	if next, ok := s.heap.next(); ok {
		wait = next.Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
	}
	return due, wait
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	defer s.fireWG.Done()

	err := s.handler.Expire(ctx, e)

	s.mu.Lock()
	f := s.inflight[e.ID]
	delete(s.inflight, e.ID)

	if err == nil || (f != nil && f.cancelled) {
		s.mu.Unlock()
		return
	}
	if _, replaced := s.index[e.ID]; replaced {
		s.mu.Unlock()
		return
	}

	if ctx.Err() != nil {
		// Shutting down: keep the entry so the rule still has a timer.
		// 正在关闭：保留过期项，使规则仍有定时器。
		it := &item{entry: e}
		heap.Push(&s.heap, it)
		s.index[e.ID] = it
		s.mu.Unlock()
		return
	}

	e.Attempt++
	if e.Attempt >= s.retry.MaxAttempts {
		s.mu.Unlock()
		s.log.Warnf("[EXPIRY] Giving up on %s (%s) after %d attempts: %v", e.Key, e.ID, e.Attempt, err)
		s.handler.Abandon(ctx, e, err)
		return
	}

	delay := s.retry.Backoff(e.Attempt - 1)
	e.Deadline = s.now().Add(delay)
	it := &item{entry: e}
	heap.Push(&s.heap, it)
	s.index[e.ID] = it
	s.mu.Unlock()

	s.log.Warnf("[EXPIRY] Expiry of %s failed (attempt %d/%d), retrying in %s: %v",
		e.Key, e.Attempt, s.retry.MaxAttempts, delay.Round(time.Millisecond), err)
	s.signal()
}
