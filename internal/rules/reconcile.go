package rules

import (
	"context"

	"go.uber.org/multierr"

	"github.com/MaxSonchik/DevOS/internal/events"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

// Reconcile merges desired into the store, keyed by address:
//   - records absent from desired, or desired with action allow, are retracted;
//   - desired block records absent locally are installed with a fresh ID,
//     keeping origin, timestamps and reason;
//   - records present on both sides are left untouched (ID, created_at and timer kept).
//
// Per-record failures do not stop the run; they are counted and returned
// together. When desired lists an address twice the last entry wins.
// Desired records whose deadline already passed are installed and expire
// immediately.
//
// Reconcile 按地址将 desired 合并进存储：缺失或动作为 allow 的记录被撤销；
// 本地没有的封禁记录以新 ID 安装并保留来源、时间戳和原因；两边都有的记录保持不变。
// 单条失败不会中断整体流程，错误会被汇总返回。
func (s *Store) Reconcile(ctx context.Context, desired []Record) (ReconcileResult, error) {
	var (
		res    ReconcileResult
		errs   error
		wanted = make(map[iputil.Address]Record, len(desired))
		order  = make([]iputil.Address, 0, len(desired))
	)
	for _, d := range desired {
		if !d.IP.IsValid() {
			continue
		}
		if _, seen := wanted[d.IP]; !seen {
			order = append(order, d.IP)
		}
		wanted[d.IP] = d
	}

	for _, cur := range s.Snapshot() {
		d, keep := wanted[cur.IP]
		if keep && d.Action == ActionBlock {
			continue
		}
		removed, err := s.retractIfCurrent(ctx, cur)
		switch {
		case err != nil:
			res.Failed++
			errs = multierr.Append(errs, err)
		case removed:
			res.Retracted++
		}
	}

	for _, ip := range order {
		d := wanted[ip]
		if d.Action != ActionBlock {
			continue
		}
		installed, err := s.installIfAbsent(ctx, d)
		switch {
		case err != nil:
			res.Failed++
			errs = multierr.Append(errs, err)
		case installed:
			res.Installed++
		default:
			res.Unchanged++
		}
	}

	s.log.Infof("[RULE] Reconciled: %d installed, %d retracted, %d unchanged, %d failed",
		res.Installed, res.Retracted, res.Unchanged, res.Failed)
	if s.bus != nil {
		s.bus.Publish(events.New(events.RulesImported, eventSource, res))
	}
	return res, errs
}

// retractIfCurrent retracts cur unless the address has been taken over by
// another rule since the snapshot.
func (s *Store) retractIfCurrent(ctx context.Context, cur Record) (bool, error) {
	unlock := s.locks.Lock(cur.IP)
	defer unlock()

	old, removed, err := s.retract(ctx, cur.IP, cur.ID)
	if removed {
		s.publish(events.RuleAllowed, old)
	}
	return removed, err
}

// installIfAbsent installs d unless a record for its address already exists.
func (s *Store) installIfAbsent(ctx context.Context, d Record) (bool, error) {
	unlock := s.locks.Lock(d.IP)
	defer unlock()

	s.mu.RLock()
	_, exists := s.records[d.IP]
	s.mu.RUnlock()
	if exists {
		return false, nil
	}
	if _, err := s.install(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}
