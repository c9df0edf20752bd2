// Package backend defines the narrow contract between the rule store and a
// packet-filtering enforcement point.
// Package backend 定义规则存储与包过滤执行点之间的窄接口。
package backend

import (
	"context"
	"fmt"

	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

// Handle identifies a block rule installed at the backend.
// Callers treat it as opaque and hand it back to Retract.
// Handle 标识安装在后端的封禁规则，调用方将其视为不透明值并传回 Retract。
type Handle struct {
	Backend string
	IP      iputil.Address
	Ref     string
}

func (h Handle) String() string {
	if h.Ref == "" {
		return fmt.Sprintf("%s:%s", h.Backend, h.IP)
	}
	return fmt.Sprintf("%s:%s#%s", h.Backend, h.IP, h.Ref)
}

// Adapter applies and retracts block rules and toggles the global profile.
// Implementations must tolerate concurrent calls for different addresses,
// and Retract must succeed when the rule is already gone.
// Adapter 应用和撤销封禁规则并切换全局策略。实现必须支持不同地址的并发调用，
// 规则已不存在时 Retract 必须成功。
type Adapter interface {
	// Name returns a short identifier used in handles and logs.
	Name() string
	// ApplyBlock installs a block for ip and returns its handle.
	ApplyBlock(ctx context.Context, ip iputil.Address, reason string) (Handle, error)
	// Retract removes the rule identified by h. Idempotent.
	Retract(ctx context.Context, h Handle) error
	// ApplyAllowProfile turns filtering off: all inbound traffic is allowed.
	ApplyAllowProfile(ctx context.Context) error
	// ApplyDenyProfile turns filtering on: installed block rules are enforced.
	ApplyDenyProfile(ctx context.Context) error
	// CountRules returns the number of rules at the backend (best effort).
	CountRules(ctx context.Context) (int, error)
	// CountBlockingRules returns the number of blocking rules (best effort).
	CountBlockingRules(ctx context.Context) (int, error)
}

// Closer is implemented by adapters holding kernel or socket resources.
type Closer interface {
	Close() error
}

// Close releases a's resources if it holds any.
// Close 在 a 持有资源时释放它们。
func Close(a Adapter) error {
	if c, ok := a.(Closer); ok {
		return c.Close()
	}
	return nil
}
