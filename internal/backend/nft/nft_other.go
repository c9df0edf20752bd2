//go:build !linux

package nft

import (
	"errors"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/backend"
)

const DefaultTable = "dshark"

// Open always fails: nftables only exists on Linux.
// Open 总是失败：nftables 仅存在于 Linux。
func Open(string, *zap.SugaredLogger) (backend.Adapter, error) {
	return nil, errors.New("nftables backend is only available on linux")
}
