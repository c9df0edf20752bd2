// Package mock provides an in-memory backend adapter that records every call.
// It backs tests and the dry-run "memory" backend type.
// Package mock 提供记录所有调用的内存后端适配器，用于测试和 "memory" 试运行后端。
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

// Operation names used in the call log and for failure injection.
const (
	OpApplyBlock   = "apply_block"
	OpRetract      = "retract"
	OpAllowProfile = "allow_profile"
	OpDenyProfile  = "deny_profile"
	OpCount        = "count"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected backend failure")

// Call is one recorded adapter invocation.
type Call struct {
	Op     string
	IP     iputil.Address
	Reason string
	Ref    string
}

// Hook runs before an operation; a non-nil error fails the call.
// Hook 在操作之前运行；返回非 nil 错误时调用失败。
type Hook func(ctx context.Context, call Call) error

// Adapter is an in-memory enforcement point.
type Adapter struct {
	mu        sync.Mutex
	name      string
	blocked   map[iputil.Address]string
	seq       uint64
	filtering bool
	calls     []Call
	failNext  map[string][]error
	failAll   map[string]error
	hooks     map[string]Hook
}

// New creates an empty mock adapter with filtering enabled.
func New() *Adapter {
	return &Adapter{
		name:      "memory",
		blocked:   make(map[iputil.Address]string),
		filtering: true,
		failNext:  make(map[string][]error),
		failAll:   make(map[string]error),
		hooks:     make(map[string]Hook),
	}
}

var _ backend.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return a.name }

// FailNext makes the next n calls of op fail with err (ErrInjected when nil).
// FailNext 使 op 的接下来 n 次调用以 err 失败（err 为 nil 时使用 ErrInjected）。
func (a *Adapter) FailNext(op string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.failNext[op] = append(a.failNext[op], err)
	}
}

// FailAlways makes every call of op fail with err until cleared with a nil err.
func (a *Adapter) FailAlways(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failAll, op)
		return
	}
	a.failAll[op] = err
}

// SetHook installs a hook for op, replacing any previous one. A nil hook removes it.
func (a *Adapter) SetHook(op string, h Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.hooks, op)
		return
	}
	a.hooks[op] = h
}

// begin records the call and returns the injected error, if any.
// The hook runs without the adapter lock held.
func (a *Adapter) begin(ctx context.Context, c Call) error {
	a.mu.Lock()
	a.calls = append(a.calls, c)
	hook := a.hooks[c.Op]
	var injected error
	if q := a.failNext[c.Op]; len(q) > 0 {
		injected = q[0]
		a.failNext[c.Op] = q[1:]
	} else if err, ok := a.failAll[c.Op]; ok {
		injected = err
	}
	a.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (a *Adapter) ApplyBlock(ctx context.Context, ip iputil.Address, reason string) (backend.Handle, error) {
	if err := a.begin(ctx, Call{Op: OpApplyBlock, IP: ip, Reason: reason}); err != nil {
		return backend.Handle{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	ref := fmt.Sprintf("%d", a.seq)
	a.blocked[ip] = ref
	return backend.Handle{Backend: a.name, IP: ip, Ref: ref}, nil
}

// Retract removes the block when the handle still refers to the installed
// rule. Stale or unknown handles succeed without effect.
// Retract 在句柄仍指向已安装规则时移除封禁；过期或未知句柄直接成功。
func (a *Adapter) Retract(ctx context.Context, h backend.Handle) error {
	if err := a.begin(ctx, Call{Op: OpRetract, IP: h.IP, Ref: h.Ref}); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.blocked[h.IP]; ok && (h.Ref == "" || ref == h.Ref) {
		delete(a.blocked, h.IP)
	}
	return nil
}

func (a *Adapter) ApplyAllowProfile(ctx context.Context) error {
	if err := a.begin(ctx, Call{Op: OpAllowProfile}); err != nil {
		return err
	}
	a.mu.Lock()
	a.filtering = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ApplyDenyProfile(ctx context.Context) error {
	if err := a.begin(ctx, Call{Op: OpDenyProfile}); err != nil {
		return err
	}
	a.mu.Lock()
	a.filtering = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) CountRules(ctx context.Context) (int, error) {
	if err := a.begin(ctx, Call{Op: OpCount}); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked), nil
}

// CountBlockingRules reports zero while filtering is off.
func (a *Adapter) CountBlockingRules(ctx context.Context) (int, error) {
	if err := a.begin(ctx, Call{Op: OpCount}); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.filtering {
		return 0, nil
	}
	return len(a.blocked), nil
}

// IsBlocked reports whether ip currently has a rule installed.
func (a *Adapter) IsBlocked(ip iputil.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blocked[ip]
	return ok
}

// Blocked returns the number of installed rules.
func (a *Adapter) Blocked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked)
}

// Filtering reports whether the deny profile is in effect.
func (a *Adapter) Filtering() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filtering
}

// Calls returns a copy of the call log.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallCount returns how many times op was invoked.
// CallCount 返回 op 被调用的次数。
func (a *Adapter) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset clears the call log but keeps installed rules.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}
