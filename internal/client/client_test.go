package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/api"
	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

func newClient(t *testing.T, token string) (*Client, *mock.Adapter) {
	t.Helper()
	m := mock.New()
	s := rules.NewStore(m, rules.WithLogger(logger.Nop()))
	s.Start(context.Background())
	t.Cleanup(s.Close)

	h := api.NewServer(app.NewLocal(s, nil), api.WithLogger(logger.Nop()), api.WithToken(token)).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithToken(token)), m
}

// TestClient_RoundTrip tests every operation through the HTTP API
// TestClient_RoundTrip 测试通过 HTTP API 的所有操作
func TestClient_RoundTrip(t *testing.T) {
	c, m := newClient(t, "tok")
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	id, err := c.Block(ctx, "10.0.0.5", "1h", "scan")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))

	views, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, string(id), views[0].ID)

	require.NoError(t, c.SetFiltering(ctx, true))
	assert.True(t, m.Filtering())

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveRules)

	data, err := c.Export(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.5")

	removed, err := c.Allow(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, removed)

	res, err := c.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Installed)
	assert.True(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))
}

// TestClient_Errors tests that error kinds survive the wire
// TestClient_Errors 测试错误类别在传输后保持不变
func TestClient_Errors(t *testing.T) {
	c, m := newClient(t, "")
	ctx := context.Background()

	_, err := c.Block(ctx, "not-an-ip", "", "")
	require.Error(t, err)
	assert.True(t, fwerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "not-an-ip")

	m.FailNext(mock.OpApplyBlock, 1, nil)
	_, err = c.Block(ctx, "10.0.0.5", "", "")
	assert.True(t, fwerrors.IsBackend(err))

	_, err = c.Import(ctx, []byte("rules: ["))
	assert.True(t, fwerrors.IsFormat(err))

	m.FailNext(mock.OpApplyBlock, 1, nil)
	res, err := c.Import(ctx, []byte("version: 1\nrules:\n  - ip: 10.0.0.9\n"))
	assert.True(t, fwerrors.IsBackend(err))
	assert.Equal(t, 1, res.Failed)
}

func TestClient_Unauthorized(t *testing.T) {
	c, _ := newClient(t, "tok")
	c.token = ""
	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestClient_DaemonDown(t *testing.T) {
	c := New("127.0.0.1:1")
	_, err := c.Stats(context.Background())
	assert.True(t, errors.Is(err, fwerrors.ErrDaemonNotRunning))
}

func TestNew_Address(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:11811", New("127.0.0.1:11811").base)
	assert.Equal(t, "https://fw.example", New("https://fw.example/").base)
}
