// Package xdp enforces block rules through BPF maps pinned by an XDP
// program: LPM tries keyed by {prefixlen, addr} hold blocked networks and
// the global_config array map toggles enforcement.
// Package xdp 通过 XDP 程序固定（pin）的 BPF Map 执行封禁规则：以 {prefixlen, addr}
// 为键的 LPM trie 保存封禁网段，global_config 数组 Map 控制是否执行。
package xdp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

const (
	DefaultPinPath = "/sys/fs/bpf/dshark"

	lockListName  = "lock_list"
	lockList6Name = "lock_list6"
	configName    = "global_config"
)

// global_config slots.
const (
	configEnforce uint32 = 0
	configVersion uint32 = 8
)

// Map is the subset of *ebpf.Map used by the adapter.
// Map 是适配器使用的 *ebpf.Map 方法子集。
type Map interface {
	Put(key, value interface{}) error
	Delete(key interface{}) error
	Lookup(key, valueOut interface{}) error
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	NextKey(key, nextKeyOut interface{}) error
	Close() error
}

var _ Map = (*ebpf.Map)(nil)

type lpmKey4 struct {
	Prefixlen uint32
	Data      [4]byte
}

type lpmKey6 struct {
	Prefixlen uint32
	Data      [16]byte
}

// ruleValue mirrors the value layout the XDP program reads. Counter 0 means
// drop; ExpiresAt stays 0 because expiry is scheduled in user space.
type ruleValue struct {
	Counter   uint64
	ExpiresAt uint64
}

// Maps groups the pinned maps the adapter works on.
type Maps struct {
	LockList     Map
	LockList6    Map
	GlobalConfig Map
}

// Adapter implements backend.Adapter on top of pinned BPF maps.
type Adapter struct {
	mu   sync.Mutex
	maps Maps
	log  *zap.SugaredLogger
}

var _ backend.Adapter = (*Adapter)(nil)

// Open loads the maps pinned under pinPath.
// Open 加载 pinPath 下已固定的 Map。
func Open(pinPath string, log *zap.SugaredLogger) (backend.Adapter, error) {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	var maps Maps
	var err error
	if maps.LockList, err = ebpf.LoadPinnedMap(filepath.Join(pinPath, lockListName), nil); err != nil {
		return nil, fmt.Errorf("load pinned %s: %w", lockListName, err)
	}
	if maps.LockList6, err = ebpf.LoadPinnedMap(filepath.Join(pinPath, lockList6Name), nil); err != nil {
		_ = maps.LockList.Close()
		return nil, fmt.Errorf("load pinned %s: %w", lockList6Name, err)
	}
	if maps.GlobalConfig, err = ebpf.LoadPinnedMap(filepath.Join(pinPath, configName), nil); err != nil {
		_ = maps.LockList.Close()
		_ = maps.LockList6.Close()
		return nil, fmt.Errorf("load pinned %s: %w", configName, err)
	}
	return NewWithMaps(maps, log), nil
}

// NewWithMaps builds an adapter over already opened maps.
func NewWithMaps(maps Maps, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = logger.Get(nil)
	}
	return &Adapter{maps: maps, log: log}
}

func (a *Adapter) Name() string { return "xdp" }

func (a *Adapter) ApplyBlock(ctx context.Context, ip iputil.Address, _ string) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return backend.Handle{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m, key := a.keyFor(ip)
	if err := m.Put(key, ruleValue{}); err != nil {
		return backend.Handle{}, fmt.Errorf("lock %s: %w", ip, err)
	}
	return backend.Handle{Backend: a.Name(), IP: ip, Ref: mapName(ip)}, nil
}

// Retract deletes the handle's key. A missing key counts as success.
// Retract 删除句柄对应的键；键不存在视为成功。
func (a *Adapter) Retract(ctx context.Context, h backend.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m, key := a.keyFor(h.IP)
	if err := m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("unlock %s: %w", h.IP, err)
	}
	return nil
}

func (a *Adapter) ApplyDenyProfile(ctx context.Context) error {
	return a.setEnforce(ctx, true)
}

func (a *Adapter) ApplyAllowProfile(ctx context.Context) error {
	return a.setEnforce(ctx, false)
}

func (a *Adapter) setEnforce(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var val uint64
	if on {
		val = 1
	}
	if err := a.updateConfig(configEnforce, val); err != nil {
		return fmt.Errorf("set enforce=%d: %w", val, err)
	}
	a.log.Infof("[XDP] Enforcement set to %v", on)
	return nil
}

// updateConfig writes a global_config slot and bumps the version slot so
// the program refreshes its cached copy.
// updateConfig 写入 global_config 槽位并递增版本号，使 BPF 程序刷新缓存。
func (a *Adapter) updateConfig(key uint32, val uint64) error {
	if err := a.maps.GlobalConfig.Update(key, val, ebpf.UpdateAny); err != nil {
		return err
	}
	var ver uint64
	_ = a.maps.GlobalConfig.Lookup(configVersion, &ver)
	ver++
	return a.maps.GlobalConfig.Update(configVersion, ver, ebpf.UpdateAny)
}

func (a *Adapter) enforcing() (bool, error) {
	var val uint64
	if err := a.maps.GlobalConfig.Lookup(configEnforce, &val); err != nil {
		return false, fmt.Errorf("read enforce flag: %w", err)
	}
	return val != 0, nil
}

func (a *Adapter) CountRules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countKeys()
}

// CountBlockingRules counts locked networks while enforcement is on.
func (a *Adapter) CountBlockingRules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	on, err := a.enforcing()
	if err != nil || !on {
		return 0, err
	}
	return a.countKeys()
}

func (a *Adapter) countKeys() (int, error) {
	n4, err := countKeys[lpmKey4](a.maps.LockList)
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", lockListName, err)
	}
	n6, err := countKeys[lpmKey6](a.maps.LockList6)
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", lockList6Name, err)
	}
	return n4 + n6, nil
}

// countKeys walks m with NextKey starting from the first key.
func countKeys[K any](m Map) (int, error) {
	var (
		n    int
		next K
		prev interface{}
	)
	for {
		err := m.NextKey(prev, &next)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		prev = next
	}
}

// Close releases all map file descriptors.
func (a *Adapter) Close() error {
	var err error
	for _, m := range []Map{a.maps.LockList, a.maps.LockList6, a.maps.GlobalConfig} {
		if m != nil {
			err = multierr.Append(err, m.Close())
		}
	}
	return err
}

func (a *Adapter) keyFor(ip iputil.Address) (Map, interface{}) {
	p := ip.Prefix()
	if ip.IsIPv6() {
		return a.maps.LockList6, lpmKey6{Prefixlen: uint32(p.Bits()), Data: p.Addr().As16()}
	}
	return a.maps.LockList, lpmKey4{Prefixlen: uint32(p.Bits()), Data: p.Addr().As4()}
}

func mapName(ip iputil.Address) string {
	if ip.IsIPv6() {
		return lockList6Name
	}
	return lockListName
}
