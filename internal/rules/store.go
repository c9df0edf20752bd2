package rules

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/events"
	"github.com/MaxSonchik/DevOS/internal/expiry"
	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

const eventSource = "rules"

// Store is the single owner of rule records.
//
// Locking: a per-address lock serializes every mutation of one address
// (block, allow, reconcile step, expiry). The map lock guards the record
// map and record fields and is never held across a backend call. Lock
// order is address lock, then map lock, then scheduler lock.
//
// Store 是规则记录的唯一所有者。
// 加锁：每个地址一把锁，串行化对同一地址的所有修改；映射锁保护记录映射和记录字段，
// 且从不在后端调用期间持有。加锁顺序：地址锁、映射锁、调度器锁。
type Store struct {
	backend backend.Adapter
	sched   *expiry.Scheduler
	locks   *keyedLock

	mu      sync.RWMutex
	records map[iputil.Address]*Record

	bus   events.Publisher
	log   *zap.SugaredLogger
	now   func() time.Time
	retry expiry.RetryConfig
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store and its scheduler.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEventBus sets the publisher notified of rule lifecycle events.
func WithEventBus(p events.Publisher) Option {
	return func(s *Store) { s.bus = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetry sets the expiry retry policy.
func WithRetry(cfg expiry.RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// NewStore creates an empty store bound to b. Call Start to begin expiring rules.
// NewStore 创建绑定到 b 的空存储。调用 Start 后开始处理过期。
func NewStore(b backend.Adapter, opts ...Option) *Store {
	s := &Store{
		backend: b,
		locks:   newKeyedLock(),
		records: make(map[iputil.Address]*Record),
		log:     logger.Get(nil),
		now:     time.Now,
		retry:   expiry.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sched = expiry.New(s,
		expiry.WithRetry(s.retry),
		expiry.WithLogger(s.log),
		expiry.WithClock(s.now),
	)
	return s
}

// Start launches the expiry scheduler.
func (s *Store) Start(ctx context.Context) {
	s.sched.Start(ctx)
}

// Close stops the scheduler. Rules stay applied at the backend.
// Close 停止调度器，已应用的规则保留在后端。
func (s *Store) Close() {
	s.sched.Stop()
}

// Backend returns the adapter the store enforces through.
func (s *Store) Backend() backend.Adapter { return s.backend }

// Block installs a block rule for ip. A zero duration makes it permanent.
// An existing rule for ip is retracted first; if that fails it stays in
// force and a backend error is returned. On success the rule is enforced
// and, when temporary, scheduled for expiry.
// Block 为 ip 安装封禁规则，duration 为零表示永久。若已有规则则先撤销；
// 撤销失败时旧规则保持生效并返回后端错误。成功时规则已生效，临时规则已登记过期。
func (s *Store) Block(ctx context.Context, ip iputil.Address, duration time.Duration, reason string) (ID, error) {
	return s.BlockWithOrigin(ctx, ip, duration, reason, OriginManual)
}

// BlockWithOrigin is Block with an explicit origin.
func (s *Store) BlockWithOrigin(ctx context.Context, ip iputil.Address, duration time.Duration, reason string, origin Origin) (ID, error) {
	if !ip.IsValid() {
		return "", fwerrors.NewIPError(ip.String())
	}
	if duration < 0 || duration > fmtutil.MaxRuleDuration {
		return "", fwerrors.NewDurationError(duration.String(), "must be between 0 and 365 days")
	}

	now := s.now()
	rec := Record{
		IP:        ip,
		Action:    ActionBlock,
		CreatedAt: now,
		Reason:    reason,
		Origin:    origin,
	}
	if duration > 0 {
		deadline := now.Add(duration)
		rec.ExpiresAt = &deadline
	}
	return s.BlockRecord(ctx, rec)
}

// BlockRecord installs rec as given, keeping its origin, timestamps and
// reason. A fresh ID is always assigned.
// BlockRecord 按原样安装 rec，保留来源、时间戳和原因，并总是分配新 ID。
func (s *Store) BlockRecord(ctx context.Context, rec Record) (ID, error) {
	if !rec.IP.IsValid() {
		return "", fwerrors.NewIPError(rec.IP.String())
	}
	unlock := s.locks.Lock(rec.IP)
	defer unlock()
	return s.install(ctx, rec)
}

// install requires the address lock for rec.IP.
func (s *Store) install(ctx context.Context, rec Record) (ID, error) {
	rec = rec.clone()
	rec.ID = ID(uuid.NewString())
	rec.Action = ActionBlock
	rec.State = StatePending
	if rec.Origin == "" {
		rec.Origin = OriginManual
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	old, replaced, err := s.retract(ctx, rec.IP, "")
	if err != nil {
		return "", err
	}

	h, err := s.backend.ApplyBlock(ctx, rec.IP, rec.Reason)
	if err != nil {
		s.log.Errorf("[RULE] Failed to block %s: %v", rec.IP, err)
		if replaced {
			s.reinstate(ctx, old)
		}
		return "", fwerrors.NewBackendError("apply block "+rec.IP.String(), err)
	}
	rec.handle = h
	rec.State = StateActive
	s.activate(rec)

	if rec.ExpiresAt != nil {
		s.log.Infof("[RULE] Blocked %s until %s (%s)", rec.IP, rec.ExpiresAt.Format(time.RFC3339), rec.Origin)
	} else {
		s.log.Infof("[RULE] Blocked %s permanently (%s)", rec.IP, rec.Origin)
	}
	s.publish(events.RuleBlocked, rec)
	return rec.ID, nil
}

// activate stores rec and schedules its expiry. Requires the address lock.
func (s *Store) activate(rec Record) {
	s.mu.Lock()
	stored := rec
	s.records[rec.IP] = &stored
	s.mu.Unlock()

	if rec.ExpiresAt != nil {
		s.sched.Schedule(entryFor(rec))
	}
}

// reinstate re-applies a rule retracted by a replace whose new rule the
// backend refused, keeping its ID and timer. If the backend refuses that
// too the rule is dropped with a warning. Requires the address lock.
// reinstate 在替换的新规则被后端拒绝时重新应用已撤销的旧规则，保留其 ID 与定时器；
// 若后端仍然拒绝，则丢弃该规则并记录警告。调用方需持有地址锁。
func (s *Store) reinstate(ctx context.Context, old Record) {
	h, err := s.backend.ApplyBlock(ctx, old.IP, old.Reason)
	if err != nil {
		s.log.Warnf("[WARN]  Failed to restore previous rule for %s, address is no longer blocked: %v", old.IP, err)
		s.publish(events.RuleAbandoned, old)
		return
	}
	old.handle = h
	old.State = StateActive
	s.activate(old)
	s.log.Infof("[RULE] Restored previous rule for %s", old.IP)
}

// Allow removes the block rule for ip. It returns false without touching
// the backend when no rule exists. If the backend refuses the retraction
// the rule stays in force with its timer and a backend error is returned.
// Allow 移除 ip 的封禁规则。规则不存在时返回 false 且不调用后端。
// 后端拒绝撤销时规则及其定时器保持不变，并返回后端错误。
func (s *Store) Allow(ctx context.Context, ip iputil.Address) (bool, error) {
	if !ip.IsValid() {
		return false, fwerrors.NewIPError(ip.String())
	}
	unlock := s.locks.Lock(ip)
	defer unlock()

	old, removed, err := s.retract(ctx, ip, "")
	if err != nil || !removed {
		return false, err
	}
	s.log.Infof("[RULE] Allowed %s", ip)
	s.publish(events.RuleAllowed, old)
	return true, nil
}

// retract removes the current record for ip from the backend and the map.
// When id is non-empty only a record with that ID is touched. On backend
// failure the record goes back to Active with its timer. Requires the
// address lock for ip.
// retract 从后端和映射中移除 ip 的当前记录。id 非空时只处理该 ID 的记录。
// 后端失败时记录恢复为 Active 并重新登记定时器。调用方需持有地址锁。
func (s *Store) retract(ctx context.Context, ip iputil.Address, id ID) (Record, bool, error) {
	s.mu.Lock()
	rec, ok := s.records[ip]
	if !ok || (id != "" && rec.ID != id) {
		s.mu.Unlock()
		return Record{}, false, nil
	}
	rec.State = StateExpiring
	h := rec.handle
	s.mu.Unlock()

	s.sched.Cancel(string(rec.ID))

	if err := s.backend.Retract(ctx, h); err != nil {
		s.mu.Lock()
		rec.State = StateActive
		restored := rec.clone()
		s.mu.Unlock()
		if restored.ExpiresAt != nil {
			s.sched.Schedule(entryFor(restored))
		}
		s.log.Errorf("[RULE] Failed to retract %s, rule stays active: %v", ip, err)
		return Record{}, false, fwerrors.NewBackendError("retract "+ip.String(), err)
	}

	s.mu.Lock()
	rec.State = StateRemoved
	delete(s.records, ip)
	out := rec.clone()
	s.mu.Unlock()
	return out, true, nil
}

// Expire is called by the scheduler when a rule's deadline passes. Stale
// entries (the address now holds a different rule) are ignored. A backend
// failure leaves the rule Active and is returned so the scheduler retries.
// Expire 在规则到期时由调度器调用。过期项已失效（地址已是另一条规则）时忽略。
// 后端失败时规则保持 Active 并返回错误，由调度器重试。
func (s *Store) Expire(ctx context.Context, e expiry.Entry) error {
	ip, err := iputil.ParseAddress(e.Key)
	if err != nil {
		return nil
	}
	unlock := s.locks.Lock(ip)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.records[ip]
	if !ok || string(rec.ID) != e.ID || rec.State != StateActive {
		s.mu.Unlock()
		return nil
	}
	rec.State = StateExpiring
	h := rec.handle
	s.mu.Unlock()

	if err := s.backend.Retract(ctx, h); err != nil {
		s.mu.Lock()
		rec.State = StateActive
		s.mu.Unlock()
		return fwerrors.NewBackendError("retract "+ip.String(), err)
	}

	s.mu.Lock()
	rec.State = StateRemoved
	delete(s.records, ip)
	out := rec.clone()
	s.mu.Unlock()

	s.log.Infof("[EXPIRY] Rule for %s expired", ip)
	s.publish(events.RuleExpired, out)
	return nil
}

// Abandon drops a rule locally after expiry retries are exhausted.
// The backend may still enforce it.
// Abandon 在过期重试耗尽后于本地丢弃规则，后端可能仍在执行它。
func (s *Store) Abandon(ctx context.Context, e expiry.Entry, lastErr error) {
	ip, err := iputil.ParseAddress(e.Key)
	if err != nil {
		return
	}
	unlock := s.locks.Lock(ip)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.records[ip]
	if !ok || string(rec.ID) != e.ID {
		s.mu.Unlock()
		return
	}
	rec.State = StateRemoved
	delete(s.records, ip)
	out := rec.clone()
	s.mu.Unlock()

	s.log.Warnf("[WARN]  Abandoned expiry of %s after %d attempts, removed locally; backend may still enforce it: %v",
		ip, e.Attempt, lastErr)
	s.publish(events.RuleAbandoned, out)
}

// SetFiltering applies the deny profile when enabled and the allow profile otherwise.
// SetFiltering 启用时应用拒绝策略，否则应用放行策略。
func (s *Store) SetFiltering(ctx context.Context, enabled bool) error {
	var err error
	if enabled {
		err = s.backend.ApplyDenyProfile(ctx)
	} else {
		err = s.backend.ApplyAllowProfile(ctx)
	}
	if err != nil {
		return fwerrors.NewBackendError("apply profile", err)
	}
	s.log.Infof("[RULE] Filtering enabled=%t", enabled)
	if s.bus != nil {
		s.bus.Publish(events.New(events.ProfileChanged, eventSource, enabled))
	}
	return nil
}

// Snapshot returns copies of all records, ordered by creation time then address.
// Snapshot 返回所有记录的副本，按创建时间和地址排序。
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.IP.Compare(b.IP)
	})
	return out
}

// Get returns a copy of the record for ip.
func (s *Store) Get(ip iputil.Address) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ip]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// HasTimer reports whether the rule with the given ID has a pending expiry.
// HasTimer 报告指定 ID 的规则是否有待执行的过期项。
func (s *Store) HasTimer(id ID) bool {
	return s.sched.Pending(string(id))
}

func (s *Store) publish(t events.Type, rec Record) {
	if s.bus != nil {
		s.bus.Publish(events.New(t, eventSource, rec))
	}
}

func entryFor(rec Record) expiry.Entry {
	return expiry.Entry{
		ID:       string(rec.ID),
		Key:      rec.IP.String(),
		Deadline: *rec.ExpiresAt,
	}
}
