// Package autoblock watches log files and issues temporary blocks for
// addresses whose lines satisfy a configured rule.
// Package autoblock 监视日志文件，为满足规则的地址下发临时封禁。
package autoblock

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/metrics"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

const (
	DefaultWindow   = 10 * time.Minute
	DefaultDuration = time.Hour
	cleanupInterval = time.Minute
)

// Blocker is the part of rules.Store the engine drives.
// Blocker 是引擎所调用的 rules.Store 部分。
type Blocker interface {
	BlockWithOrigin(ctx context.Context, ip iputil.Address, duration time.Duration, reason string, origin rules.Origin) (rules.ID, error)
	Get(ip iputil.Address) (rules.Record, bool)
}

// Rule is a compiled auto-block rule.
type Rule struct {
	Name      string
	Match     *vm.Program // nil matches every line carrying an address
	Condition *vm.Program
	Duration  time.Duration
	counter   *Counter
}

// Compile turns configured rules into programs.
// Compile 将配置的规则编译为程序。
func Compile(cfgs []config.AutoBlockRule) ([]*Rule, error) {
	out := make([]*Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r := &Rule{Name: c.Name, Duration: DefaultDuration}
		var err error
		if c.Match != "" {
			if r.Match, err = expr.Compile(c.Match, expr.Env(config.ConditionEnv{}), expr.AsBool()); err != nil {
				return nil, fmt.Errorf("rule %q: match: %w", c.Name, err)
			}
		}
		if r.Condition, err = expr.Compile(c.Condition, expr.Env(config.ConditionEnv{}), expr.AsBool()); err != nil {
			return nil, fmt.Errorf("rule %q: condition: %w", c.Name, err)
		}
		window := DefaultWindow
		if c.Window != "" {
			if window, err = time.ParseDuration(c.Window); err != nil {
				return nil, fmt.Errorf("rule %q: window: %w", c.Name, err)
			}
		}
		if c.Duration != "" {
			if r.Duration, err = fmtutil.ParseDuration(c.Duration); err != nil {
				return nil, fmt.Errorf("rule %q: %w", c.Name, err)
			}
		}
		r.counter = NewCounter(window)
		out = append(out, r)
	}
	return out, nil
}

// Engine evaluates log lines against rules.
type Engine struct {
	rules   []*Rule
	blocker Blocker
	log     *zap.SugaredLogger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(rs []*Rule, b Blocker, opts ...Option) *Engine {
	e := &Engine{rules: rs, blocker: b, log: logger.Get(nil), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process evaluates one line. It returns the names of the rules that
// blocked the line's address.
// Process 处理一行日志，返回封禁了该行地址的规则名称。
func (e *Engine) Process(ctx context.Context, ev LogEvent) []string {
	addr, ok := iputil.FirstIP(ev.Line)
	if !ok {
		return nil
	}
	ip := iputil.FromAddr(addr)
	env := config.ConditionEnv{Line: ev.Line, IP: ip.HostString()}

	var fired []string
	for _, r := range e.rules {
		if r.Match != nil {
			matched, err := runBool(r.Match, env)
			if err != nil {
				e.log.Warnf("[WARN]  Auto-block rule %s: match: %v", r.Name, err)
				continue
			}
			if !matched {
				continue
			}
		}

		env.Hits = r.counter.Add(addr, e.now())
		hit, err := runBool(r.Condition, env)
		if err != nil {
			e.log.Warnf("[WARN]  Auto-block rule %s: condition: %v", r.Name, err)
			continue
		}
		if !hit {
			continue
		}
		r.counter.Reset(addr)
		metrics.AutoBlockMatches.WithLabelValues(r.Name).Inc()

		if cur, ok := e.blocker.Get(ip); ok && cur.State == rules.StateActive {
			e.log.Debugf("[AUTO] %s already blocked, rule %s skipped", ip, r.Name)
			continue
		}
		if _, err := e.blocker.BlockWithOrigin(ctx, ip, r.Duration, r.Name, rules.OriginAuto); err != nil {
			e.log.Errorf("[ERROR] Auto-block of %s by rule %s failed: %v", ip, r.Name, err)
			continue
		}
		e.log.Infof("[AUTO] Blocked %s for %s (rule %s, %d hits)", ip, fmtutil.FormatDuration(r.Duration), r.Name, env.Hits)
		fired = append(fired, r.Name)
	}
	return fired
}

// Run processes events until the channel closes or ctx is done.
func (e *Engine) Run(ctx context.Context, in <-chan LogEvent) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			e.Process(ctx, ev)
		case <-ticker.C:
			now := e.now()
			for _, r := range e.rules {
				r.counter.Cleanup(now)
			}
		}
	}
}

func runBool(p *vm.Program, env config.ConditionEnv) (bool, error) {
	out, err := expr.Run(p, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}
