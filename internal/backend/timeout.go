package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// DefaultTimeout bounds a single backend call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// timeoutAdapter gives every call its own deadline and classifies every
// failure as a backend error.
type timeoutAdapter struct {
	next    Adapter
	timeout time.Duration
}

// WithTimeout decorates a so that each call is bounded by d and every error
// wraps errors.ErrBackend. A non-positive d selects DefaultTimeout.
// WithTimeout 装饰 a：每次调用受 d 限制，所有错误都包装为后端错误。d 非正数时使用 DefaultTimeout。
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutAdapter{next: a, timeout: d}
}

// Unwrap returns the decorated adapter.
func (t *timeoutAdapter) Unwrap() Adapter { return t.next }

func (t *timeoutAdapter) Name() string { return t.next.Name() }

func (t *timeoutAdapter) ApplyBlock(ctx context.Context, ip iputil.Address, reason string) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	h, err := t.next.ApplyBlock(ctx, ip, reason)
	return h, classify(ctx, "apply block "+ip.String(), err)
}

func (t *timeoutAdapter) Retract(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return classify(ctx, "retract "+h.IP.String(), t.next.Retract(ctx, h))
}

func (t *timeoutAdapter) ApplyAllowProfile(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return classify(ctx, "apply allow profile", t.next.ApplyAllowProfile(ctx))
}

func (t *timeoutAdapter) ApplyDenyProfile(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return classify(ctx, "apply deny profile", t.next.ApplyDenyProfile(ctx))
}

func (t *timeoutAdapter) CountRules(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.next.CountRules(ctx)
	return n, classify(ctx, "count rules", err)
}

func (t *timeoutAdapter) CountBlockingRules(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.next.CountBlockingRules(ctx)
	return n, classify(ctx, "count blocking rules", err)
}

func (t *timeoutAdapter) Close() error {
	return Close(t.next)
}

func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, fwerrors.ErrTimeout) {
		err = fmt.Errorf("%w: %w", fwerrors.ErrTimeout, err)
	}
	return fwerrors.NewBackendError(op, err)
}
