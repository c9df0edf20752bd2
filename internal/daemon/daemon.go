// Package daemon wires the rule manager together and runs it until a
// shutdown signal arrives.
// Package daemon 组装规则管理器并运行，直到收到关闭信号。
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/api"
	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/autoblock"
	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/events"
	"github.com/MaxSonchik/DevOS/internal/geoip"
	"github.com/MaxSonchik/DevOS/internal/metrics"
	"github.com/MaxSonchik/DevOS/internal/persist"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/stats"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// StatsInterval is how often gauges are refreshed from the backend.
const StatsInterval = 30 * time.Second

const shutdownTimeout = 5 * time.Second

// Options configures a Daemon.
type Options struct {
	ConfigPath string
	// Listen overrides api.listen when set.
	Listen string
	// Backend replaces the configured adapter. It is closed on shutdown.
	Backend backend.Adapter
	// Logger replaces the logger built from the logging section.
	Logger *zap.SugaredLogger
}

// Daemon owns the rule store for the lifetime of every temporal rule.
// Daemon 在所有临时规则的生命周期内持有规则存储。
type Daemon struct {
	opts Options
	cfg  *config.GlobalConfig
	log  *zap.SugaredLogger

	store     *rules.Store
	persister *persist.Persister
	auto      *autoblock.Service

	ready chan struct{}
	addr  net.Addr
}

// New loads the configuration. Nothing is started until Run.
func New(opts Options) (*Daemon, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &Daemon{opts: opts, cfg: cfg, ready: make(chan struct{})}, nil
}

// Ready is closed once the API listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the bound API address; valid after Ready.
func (d *Daemon) Addr() net.Addr { return d.addr }

// Run blocks until ctx is done or SIGINT/SIGTERM arrives. SIGHUP reloads
// the configuration and the state file.
// Run 阻塞直到 ctx 结束或收到 SIGINT/SIGTERM；SIGHUP 重新加载配置和状态文件。
func (d *Daemon) Run(ctx context.Context) (err error) {
	d.log = d.opts.Logger
	if d.log == nil {
		logger.Init(d.cfg.Logging)
		d.log = logger.Get(ctx)
	}
	log := d.log

	if pid := d.cfg.API.PidFile; pid != "" {
		if err := managePidFile(pid); err != nil {
			return err
		}
		defer removePidFile(pid)
	}

	a := d.opts.Backend
	if a == nil {
		if a, err = openBackend(d.cfg, log); err != nil {
			return err
		}
	}
	defer func() { err = multierr.Append(err, backend.Close(a)) }()
	log.Infof("[STATE] Backend: %s", a.Name())

	bus := events.NewBus()
	defer metrics.Subscribe(bus)()

	d.store = rules.NewStore(a,
		rules.WithLogger(log),
		rules.WithEventBus(bus),
		rules.WithRetry(d.cfg.RetryConfig()),
	)
	d.store.Start(ctx)
	defer d.store.Close()

	var (
		bg      sync.WaitGroup
		unwatch = func() {}
	)
	// background work outlives ctx until pending events are drained
	bgCtx, stopBg := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		bus.Wait()
		stopBg()
		bg.Wait()
		unwatch()
	}()

	if d.cfg.State.Enabled {
		d.persister = persist.New(d.cfg.State.Path, d.store, persist.WithLogger(log))
		d.loadState(ctx)
		unwatch = d.persister.Watch(bus)
		bg.Add(1)
		go func() {
			defer bg.Done()
			d.persister.Run(bgCtx)
		}()
	}

	geo, gerr := geoip.New(d.cfg.GeoIP.CityDB)
	if gerr != nil {
		log.Warnf("[WARN] GeoIP disabled: %v", gerr)
		geo = geoip.Nop{}
	}
	defer geo.Close()

	server := api.NewServer(app.NewLocal(d.store, geo),
		api.WithToken(d.cfg.API.Token),
		api.WithMetrics(d.cfg.Metrics.Enabled),
		api.WithLogger(log),
	)
	listen := d.opts.Listen
	if listen == "" {
		listen = d.cfg.API.Listen
	}
	if d.addr, err = server.Start(listen); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()

	d.startAutoBlock(bgCtx, d.cfg)
	defer d.stopAutoBlock()

	if d.cfg.Metrics.Enabled {
		bg.Add(1)
		go func() {
			defer bg.Done()
			d.publishStats(bgCtx)
		}()
	}

	close(d.ready)
	log.Info("[STATE] dshark daemon is running")
	d.waitForSignal(ctx, bgCtx)
	log.Info("[STATE] Daemon shutting down...")
	return nil
}

func (d *Daemon) waitForSignal(ctx, bgCtx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			if s != syscall.SIGHUP {
				return
			}
			d.log.Info("[CONFIG] Received SIGHUP, reloading configuration...")
			if err := d.reload(ctx, bgCtx); err != nil {
				d.log.Errorf("[ERROR] Failed to reload config: %v", err)
				continue
			}
			d.log.Info("[CONFIG] Configuration reloaded")
		}
	}
}

// reload re-reads the config file, restarts auto-block and reconciles the
// store against the state file. Backend, listener and token stay as they
// were at start.
// reload 重新读取配置文件、重启自动封禁并按状态文件对账。后端、监听地址与令牌保持启动时的值。
func (d *Daemon) reload(ctx, bgCtx context.Context) error {
	cfg, err := config.LoadOrDefault(d.opts.ConfigPath)
	if err != nil {
		return err
	}
	if d.opts.Logger == nil {
		logger.Init(cfg.Logging)
		d.log = logger.Get(ctx)
	}
	d.stopAutoBlock()
	d.startAutoBlock(bgCtx, cfg)
	if d.persister != nil {
		d.loadState(ctx)
	}
	d.cfg = cfg
	return nil
}

func (d *Daemon) loadState(ctx context.Context) {
	res, warnings, err := d.persister.Load(ctx)
	for _, w := range warnings {
		d.log.Warnf("[WARN] State file %s: %s", d.persister.Path(), w)
	}
	if err != nil {
		d.log.Errorf("[ERROR] Failed to restore state from %s: %v", d.persister.Path(), err)
		return
	}
	if res != nil {
		d.log.Infof("[STATE] Restored rules: %d installed, %d retracted, %d unchanged",
			res.Installed, res.Retracted, res.Unchanged)
	}
}

func (d *Daemon) startAutoBlock(ctx context.Context, cfg *config.GlobalConfig) {
	if !cfg.AutoBlock.Enabled {
		return
	}
	svc, err := autoblock.New(cfg.AutoBlock, d.store, d.log)
	if err != nil {
		d.log.Errorf("[ERROR] Auto-block disabled: %v", err)
		return
	}
	svc.Start(ctx)
	d.auto = svc
}

func (d *Daemon) stopAutoBlock() {
	if d.auto != nil {
		d.auto.Stop()
		d.auto = nil
	}
}

func (d *Daemon) publishStats(ctx context.Context) {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()
	for {
		stats.Publish(stats.Collect(ctx, d.store, d.store.Backend()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
