// Package persist keeps the daemon's rule set on disk: every rule event
// schedules a snapshot write and the snapshot is reconciled back into the
// store on start and reload.
// Package persist 将守护进程的规则集保存在磁盘上：每个规则事件都会触发快照写入，
// 启动和重载时快照会被协调回存储。
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/codec"
	"github.com/MaxSonchik/DevOS/internal/events"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/fileutil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// DefaultDelay coalesces bursts of rule events into one write.
const DefaultDelay = 200 * time.Millisecond

// Store is the part of rules.Store the persister needs.
// Store 是持久化器需要的 rules.Store 部分。
type Store interface {
	Snapshot() []rules.Record
	Reconcile(ctx context.Context, desired []rules.Record) (rules.ReconcileResult, error)
}

// Persister writes snapshots of a Store to a YAML file.
// Persister 将 Store 的快照写入 YAML 文件。
type Persister struct {
	path  string
	store Store
	log   *zap.SugaredLogger
	delay time.Duration

	mu    sync.Mutex // serializes file access
	dirty chan struct{}
}

// Option configures a Persister.
type Option func(*Persister)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Persister) {
		if l != nil {
			p.log = l
		}
	}
}

// WithDelay sets how long Run waits after an event before writing.
func WithDelay(d time.Duration) Option {
	return func(p *Persister) { p.delay = d }
}

func New(path string, store Store, opts ...Option) *Persister {
	p := &Persister{
		path:  path,
		store: store,
		log:   logger.Get(nil),
		delay: DefaultDelay,
		dirty: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Path returns the snapshot file location.
func (p *Persister) Path() string { return p.path }

// Save exports the current snapshot and replaces the file atomically.
// Save 导出当前快照并原子替换文件。
func (p *Persister) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := codec.Export(p.store.Snapshot())
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	if err := fileutil.AtomicWriteFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}

// Load reads the snapshot file and reconciles the store to it. A missing
// file leaves the store untouched and returns a nil result.
// Load 读取快照文件并将存储协调为文件内容；文件不存在时存储保持不变并返回 nil 结果。
func (p *Persister) Load(ctx context.Context) (*rules.ReconcileResult, []codec.Warning, error) {
	p.mu.Lock()
	data, err := fileutil.ReadFileIfExists(p.path)
	p.mu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	if data == nil {
		p.log.Infof("[STATE] No snapshot at %s, starting empty", p.path)
		return nil, nil, nil
	}

	res, err := codec.Import(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", p.path, err)
	}
	for _, w := range res.Warnings {
		p.log.Warnf("[WARN]  %s: %s", p.path, w)
	}

	out, err := p.store.Reconcile(ctx, res.Records)
	p.log.Infof("[STATE] Restored %s: %d installed, %d retracted, %d unchanged, %d failed",
		p.path, out.Installed, out.Retracted, out.Unchanged, out.Failed)
	return &out, res.Warnings, err
}

// MarkDirty requests a write from Run.
func (p *Persister) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Watch marks the snapshot dirty on every rule event published on bus.
// Watch 在总线上发布的每个规则事件时将快照标记为脏。
func (p *Persister) Watch(bus *events.Bus) (unsubscribe func()) {
	var unsubs []func()
	for _, t := range []events.Type{
		events.RuleBlocked,
		events.RuleAllowed,
		events.RuleExpired,
		events.RuleAbandoned,
		events.RulesImported,
	} {
		unsubs = append(unsubs, bus.Subscribe(t, func(events.Event) { p.MarkDirty() }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Run writes the snapshot after dirty marks until ctx is done, then
// writes once more if a mark is still pending.
// Run 在收到脏标记后写入快照，直到 ctx 结束；结束时若仍有未处理的标记则再写一次。
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.dirty:
				p.save()
			default:
			}
			return
		case <-p.dirty:
		}

		if p.delay > 0 {
			t := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				p.save()
				return
			case <-t.C:
			}
		}
		// marks that arrived during the delay are covered by this write
		select {
		case <-p.dirty:
		default:
		}
		p.save()
	}
}

func (p *Persister) save() {
	if err := p.Save(); err != nil {
		p.log.Errorf("[ERROR] Failed to persist rules: %v", err)
		return
	}
	p.log.Debugf("[STATE] Snapshot written to %s", p.path)
}
