//go:build linux

// Package nft enforces block rules with nftables: two interval sets hold the
// blocked IPv4 and IPv6 networks and a base input chain drops traffic whose
// source address is in either set.
// Package nft 使用 nftables 执行封禁规则：两个区间集合保存被封禁的 IPv4/IPv6 网段，
// 基础 input 链丢弃源地址位于任一集合中的流量。
package nft

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

const (
	DefaultTable = "dshark"
	chainName    = "input"
	setV4        = "block_v4"
	setV6        = "block_v6"

	ipv4SrcOffset = 12
	ipv6SrcOffset = 8
)

// Conn is the subset of *nftables.Conn used by the adapter.
// Conn 是适配器使用的 *nftables.Conn 方法子集。
type Conn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	DelChain(c *nftables.Chain)
	FlushChain(c *nftables.Chain)
	ListChains() ([]*nftables.Chain, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error
	Flush() error
}

var _ Conn = (*nftables.Conn)(nil)

// Adapter implements backend.Adapter on top of nftables.
type Adapter struct {
	mu    sync.Mutex
	conn  Conn
	table *nftables.Table
	v4    *nftables.Set
	v6    *nftables.Set
	ready bool
	log   *zap.SugaredLogger
	close func() error
}

var _ backend.Adapter = (*Adapter)(nil)

// New opens a lasting netlink connection and returns an adapter managing
// the inet table named table.
// New 打开持久 netlink 连接，返回管理名为 table 的 inet 表的适配器。
func New(table string, log *zap.SugaredLogger) (*Adapter, error) {
	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("open nftables connection: %w", err)
	}
	a := NewWithConn(conn, table, log)
	a.close = conn.CloseLasting
	return a, nil
}

// NewWithConn builds an adapter on an existing connection.
func NewWithConn(conn Conn, table string, log *zap.SugaredLogger) *Adapter {
	if table == "" {
		table = DefaultTable
	}
	if log == nil {
		log = logger.Get(nil)
	}
	t := &nftables.Table{Name: table, Family: nftables.TableFamilyINet}
	// auto-merge lets a host and a network that covers it share a set
	// 开启 auto-merge，使主机与覆盖它的网段可以共存于同一集合
	return &Adapter{
		conn:  conn,
		table: t,
		v4:    &nftables.Set{Table: t, Name: setV4, KeyType: nftables.TypeIPAddr, Interval: true, AutoMerge: true},
		v6:    &nftables.Set{Table: t, Name: setV6, KeyType: nftables.TypeIP6Addr, Interval: true, AutoMerge: true},
		log:   log,
	}
}

func (a *Adapter) Name() string { return "nft" }

// ensureSets creates the table and both sets once. Callers hold a.mu.
func (a *Adapter) ensureSets() error {
	if a.ready {
		return nil
	}
	a.conn.AddTable(a.table)
	if err := a.conn.AddSet(a.v4, nil); err != nil {
		return fmt.Errorf("add set %s: %w", setV4, err)
	}
	if err := a.conn.AddSet(a.v6, nil); err != nil {
		return fmt.Errorf("add set %s: %w", setV6, err)
	}
	if err := a.conn.Flush(); err != nil {
		return fmt.Errorf("create table %s: %w", a.table.Name, err)
	}
	a.ready = true
	return nil
}

func (a *Adapter) setFor(ip iputil.Address) *nftables.Set {
	if ip.IsIPv6() {
		return a.v6
	}
	return a.v4
}

// ApplyBlock adds ip to the matching interval set.
func (a *Adapter) ApplyBlock(ctx context.Context, ip iputil.Address, _ string) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return backend.Handle{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureSets(); err != nil {
		return backend.Handle{}, err
	}
	set := a.setFor(ip)
	if err := a.conn.SetAddElements(set, intervalElements(ip.Prefix())); err != nil {
		return backend.Handle{}, fmt.Errorf("add %s to %s: %w", ip, set.Name, err)
	}
	if err := a.conn.Flush(); err != nil {
		return backend.Handle{}, fmt.Errorf("add %s to %s: %w", ip, set.Name, err)
	}
	return backend.Handle{Backend: a.Name(), IP: ip, Ref: set.Name}, nil
}

// Retract removes the handle's network from its set. A missing element or
// table counts as success.
// Retract 从集合中移除句柄对应的网段；元素或表不存在视为成功。
func (a *Adapter) Retract(ctx context.Context, h backend.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.setFor(h.IP)
	if err := a.conn.SetDeleteElements(set, intervalElements(h.IP.Prefix())); err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete %s from %s: %w", h.IP, set.Name, err)
	}
	if err := a.conn.Flush(); err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete %s from %s: %w", h.IP, set.Name, err)
	}
	return nil
}

func (a *Adapter) chain() *nftables.Chain {
	policy := nftables.ChainPolicyAccept
	return &nftables.Chain{
		Name:     chainName,
		Table:    a.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	}
}

// ApplyDenyProfile installs the input chain with one drop rule per set.
// Existing rules are left alone so the call is idempotent.
// ApplyDenyProfile 安装 input 链，每个集合对应一条丢弃规则。已有规则保持不变，调用是幂等的。
func (a *Adapter) ApplyDenyProfile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureSets(); err != nil {
		return err
	}
	present, err := a.chainPresent()
	if err != nil {
		return err
	}
	chain := a.chain()
	if present {
		rules, err := a.conn.GetRules(a.table, chain)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		if len(rules) >= 2 {
			return nil
		}
		a.conn.FlushChain(chain)
	} else {
		a.conn.AddChain(chain)
	}
	a.conn.AddRule(&nftables.Rule{Table: a.table, Chain: chain, Exprs: dropFrom(a.v4, unix.NFPROTO_IPV4, ipv4SrcOffset, 4)})
	a.conn.AddRule(&nftables.Rule{Table: a.table, Chain: chain, Exprs: dropFrom(a.v6, unix.NFPROTO_IPV6, ipv6SrcOffset, 16)})
	if err := a.conn.Flush(); err != nil {
		return fmt.Errorf("install input chain: %w", err)
	}
	a.log.Infof("[NFT] Deny profile applied (table inet %s)", a.table.Name)
	return nil
}

// ApplyAllowProfile removes the input chain. Sets and their elements survive
// so a later deny profile restores enforcement.
// ApplyAllowProfile 删除 input 链。集合及其元素保留，之后应用拒绝策略即可恢复执行。
func (a *Adapter) ApplyAllowProfile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	present, err := a.chainPresent()
	if err != nil || !present {
		return err
	}
	chain := a.chain()
	a.conn.FlushChain(chain)
	a.conn.DelChain(chain)
	if err := a.conn.Flush(); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove input chain: %w", err)
	}
	a.log.Infof("[NFT] Allow profile applied (table inet %s)", a.table.Name)
	return nil
}

// CountRules counts blocked networks across both sets.
func (a *Adapter) CountRules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countElements()
}

// CountBlockingRules counts blocked networks while the input chain is present.
func (a *Adapter) CountBlockingRules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	present, err := a.chainPresent()
	if err != nil || !present {
		return 0, err
	}
	return a.countElements()
}

func (a *Adapter) countElements() (int, error) {
	n := 0
	for _, set := range []*nftables.Set{a.v4, a.v6} {
		elems, err := a.conn.GetSetElements(set)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("list %s: %w", set.Name, err)
		}
		for _, e := range elems {
			if !e.IntervalEnd {
				n++
			}
		}
	}
	return n, nil
}

func (a *Adapter) chainPresent() (bool, error) {
	chains, err := a.conn.ListChains()
	if err != nil {
		return false, fmt.Errorf("list chains: %w", err)
	}
	for _, c := range chains {
		if c.Name == chainName && c.Table != nil && c.Table.Name == a.table.Name && c.Table.Family == a.table.Family {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the netlink connection.
func (a *Adapter) Close() error {
	if a.close != nil {
		return a.close()
	}
	return nil
}

// dropFrom builds "meta nfproto <proto> <family> saddr @set drop".
func dropFrom(set *nftables.Set, proto byte, offset, length uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// intervalElements returns the start and exclusive end elements of p.
// The end element is omitted when p reaches the top of the address space.
// intervalElements 返回 p 的起始元素和开区间结束元素；p 覆盖到地址空间末尾时省略结束元素。
func intervalElements(p netip.Prefix) []nftables.SetElement {
	start := p.Masked().Addr()
	elems := []nftables.SetElement{{Key: start.AsSlice()}}
	if end, ok := lastAddr(p); ok {
		if next := end.Next(); next.IsValid() {
			elems = append(elems, nftables.SetElement{Key: next.AsSlice(), IntervalEnd: true})
		}
	}
	return elems
}

// lastAddr returns the highest address inside p.
func lastAddr(p netip.Prefix) (netip.Addr, bool) {
	p = p.Masked()
	b := p.Addr().AsSlice()
	bits := p.Bits()
	for i := range b {
		hostBits := len(b)*8 - bits - (len(b)-1-i)*8
		switch {
		case hostBits >= 8:
			b[i] = 0xff
		case hostBits > 0:
			b[i] |= byte(1<<hostBits) - 1
		}
	}
	return netip.AddrFromSlice(b)
}

func isNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT)
}

// Open returns a live nftables adapter.
func Open(table string, log *zap.SugaredLogger) (backend.Adapter, error) {
	return New(table, log)
}
