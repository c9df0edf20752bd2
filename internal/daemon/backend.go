package daemon

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/backend/nft"
	"github.com/MaxSonchik/DevOS/internal/backend/xdp"
	"github.com/MaxSonchik/DevOS/internal/config"
)

// openBackend builds the adapter selected by cfg.Backend.Type, bounded by
// the configured timeout.
// openBackend 根据 cfg.Backend.Type 创建适配器，并套上配置的超时。
func openBackend(cfg *config.GlobalConfig, log *zap.SugaredLogger) (backend.Adapter, error) {
	var (
		a   backend.Adapter
		err error
	)
	switch cfg.Backend.Type {
	case config.BackendNFT, "":
		a, err = nft.Open(cfg.Backend.Nftables.Table, log)
	case config.BackendXDP:
		a, err = xdp.Open(cfg.Backend.XDP.PinPath, log)
	case config.BackendMemory:
		log.Warn("[WARN] Using in-memory backend, no traffic is filtered")
		a = mock.New()
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
	}
	return backend.WithTimeout(a, cfg.BackendTimeout()), nil
}
