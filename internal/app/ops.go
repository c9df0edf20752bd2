// Package app holds the operations shared by the daemon API and the CLI.
// Package app 包含守护进程 API 与 CLI 共用的操作。
package app

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/MaxSonchik/DevOS/internal/codec"
	"github.com/MaxSonchik/DevOS/internal/geoip"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/stats"
	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// Ops is the command surface. Arguments are raw user input so that
// validation happens in one place whichever side of the API runs it.
// Ops 是命令接口。参数为用户原始输入，保证无论在 API 哪一侧执行都只在一处校验。
type Ops interface {
	Block(ctx context.Context, ip, duration, reason string) (rules.ID, error)
	Allow(ctx context.Context, ip string) (removed bool, err error)
	SetFiltering(ctx context.Context, enabled bool) error
	Stats(ctx context.Context) (stats.Stats, error)
	Export(ctx context.Context) ([]byte, error)
	// Import returns the result together with an error when entries failed
	// at the backend; a FormatError comes with a zero result.
	Import(ctx context.Context, data []byte) (ImportResult, error)
	List(ctx context.Context) ([]RuleView, error)
}

// RuleView is a rule as shown to users.
type RuleView struct {
	ID        string          `json:"id"`
	IP        string          `json:"ip"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Origin    string          `json:"origin"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Location  *geoip.Location `json:"location,omitempty"`
}

// ImportResult reports a reconcile run and the codec's warnings.
// ImportResult 报告一次对账结果以及编解码器的警告。
type ImportResult struct {
	rules.ReconcileResult
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors,omitempty"`
}

// ParseBlock validates block arguments. An empty duration means permanent.
// ParseBlock 校验封禁参数，duration 为空表示永久。
func ParseBlock(ip, duration string) (iputil.Address, time.Duration, error) {
	addr, err := iputil.ParseAddress(ip)
	if err != nil {
		return iputil.Address{}, 0, err
	}
	if duration == "" {
		return addr, 0, nil
	}
	d, err := fmtutil.ParseDuration(duration)
	if err != nil {
		return iputil.Address{}, 0, err
	}
	return addr, d, nil
}

// Local runs operations against an in-process store.
type Local struct {
	store *rules.Store
	geo   geoip.Locator
}

var _ Ops = (*Local)(nil)

func NewLocal(store *rules.Store, geo geoip.Locator) *Local {
	if geo == nil {
		geo = geoip.Nop{}
	}
	return &Local{store: store, geo: geo}
}

func (l *Local) Block(ctx context.Context, ip, duration, reason string) (rules.ID, error) {
	addr, d, err := ParseBlock(ip, duration)
	if err != nil {
		return "", err
	}
	return l.store.Block(ctx, addr, d, reason)
}

func (l *Local) Allow(ctx context.Context, ip string) (bool, error) {
	addr, err := iputil.ParseAddress(ip)
	if err != nil {
		return false, err
	}
	return l.store.Allow(ctx, addr)
}

func (l *Local) SetFiltering(ctx context.Context, enabled bool) error {
	return l.store.SetFiltering(ctx, enabled)
}

func (l *Local) Stats(ctx context.Context) (stats.Stats, error) {
	s := stats.Collect(ctx, l.store, l.store.Backend())
	stats.Publish(s)
	return s, nil
}

func (l *Local) Export(context.Context) ([]byte, error) {
	return codec.Export(l.store.Snapshot())
}

func (l *Local) Import(ctx context.Context, data []byte) (ImportResult, error) {
	res, err := codec.Import(data)
	if err != nil {
		return ImportResult{}, err
	}
	out := ImportResult{Warnings: make([]string, 0, len(res.Warnings))}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	out.ReconcileResult, err = l.store.Reconcile(ctx, res.Records)
	for _, e := range multierr.Errors(err) {
		out.Errors = append(out.Errors, e.Error())
	}
	if err != nil {
		return out, fwerrors.NewBackendError("import", err)
	}
	return out, nil
}

func (l *Local) List(context.Context) ([]RuleView, error) {
	snap := l.store.Snapshot()
	out := make([]RuleView, 0, len(snap))
	for _, rec := range snap {
		out = append(out, l.view(rec))
	}
	return out, nil
}

func (l *Local) view(rec rules.Record) RuleView {
	v := RuleView{
		ID:        string(rec.ID),
		IP:        rec.IP.String(),
		Action:    string(rec.Action),
		Reason:    rec.Reason,
		Origin:    string(rec.Origin),
		State:     string(rec.State),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if loc, ok := l.geo.Lookup(rec.IP); ok {
		v.Location = &loc
	}
	return v
}
