package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/codec"
	"github.com/MaxSonchik/DevOS/internal/events"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

func newStore(t *testing.T, bus *events.Bus) (*rules.Store, *mock.Adapter) {
	t.Helper()
	m := mock.New()
	opts := []rules.Option{rules.WithLogger(logger.Nop())}
	if bus != nil {
		opts = append(opts, rules.WithEventBus(bus))
	}
	s := rules.NewStore(m, opts...)
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, m
}

// TestPersister_SaveLoad tests that a snapshot restores into a fresh store
// TestPersister_SaveLoad 测试快照可以恢复到新的存储中
func TestPersister_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "rules.yaml")

	src, _ := newStore(t, nil)
	_, err := src.Block(ctx, iputil.MustParseAddress("10.0.0.5"), 0, "ssh")
	require.NoError(t, err)
	_, err = src.Block(ctx, iputil.MustParseAddress("2001:db8::/64"), time.Hour, "scan")
	require.NoError(t, err)

	require.NoError(t, New(path, src, WithLogger(logger.Nop())).Save())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	res, err := codec.Import(data)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	dst, m := newStore(t, nil)
	out, warnings, err := New(path, dst, WithLogger(logger.Nop())).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Empty(t, warnings)
	assert.Equal(t, 2, out.Installed)
	assert.True(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))

	rec, ok := dst.Get(iputil.MustParseAddress("2001:db8::/64"))
	require.True(t, ok)
	assert.Equal(t, rules.OriginManual, rec.Origin)
	assert.Equal(t, "scan", rec.Reason)
	assert.True(t, dst.HasTimer(rec.ID))
}

func TestPersister_LoadMissing(t *testing.T) {
	s, m := newStore(t, nil)
	out, warnings, err := New(filepath.Join(t.TempDir(), "none.yaml"), s, WithLogger(logger.Nop())).Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, warnings)
	assert.Zero(t, m.Blocked())
}

func TestPersister_LoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0600))

	s, _ := newStore(t, nil)
	_, _, err := New(path, s, WithLogger(logger.Nop())).Load(context.Background())
	assert.Error(t, err)
	assert.Zero(t, s.Len())
}

// TestPersister_LoadReplaces tests that a reload drops rules missing from the file
// TestPersister_LoadReplaces 测试重载会删除文件中不存在的规则
func TestPersister_LoadReplaces(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: 1
rules:
  - ip: 10.0.0.7
    action: block
    reason: kept
  - ip: bogus
`), 0600))

	s, m := newStore(t, nil)
	_, err := s.Block(ctx, iputil.MustParseAddress("10.0.0.5"), 0, "stale")
	require.NoError(t, err)

	out, warnings, err := New(path, s, WithLogger(logger.Nop())).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Installed)
	assert.Equal(t, 1, out.Retracted)
	assert.Len(t, warnings, 1)
	assert.False(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))
	assert.True(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.7")))
}

// TestPersister_Run tests that rule events lead to a written snapshot
// TestPersister_Run 测试规则事件会触发快照写入
func TestPersister_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "rules.yaml")

	bus := events.NewSyncBus()
	s, _ := newStore(t, bus)
	p := New(path, s, WithLogger(logger.Nop()), WithDelay(10*time.Millisecond))
	unsubscribe := p.Watch(bus)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	_, err := s.Block(ctx, iputil.MustParseAddress("10.0.0.5"), 0, "ssh")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		res, err := codec.Import(data)
		return err == nil && len(res.Records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Allow(ctx, iputil.MustParseAddress("10.0.0.5"))
	require.NoError(t, err)
	cancel()
	<-done

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	res, err := codec.Import(data)
	require.NoError(t, err)
	assert.Empty(t, res.Records, "final write on shutdown")
}
