package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/stats"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *mock.Adapter) {
	t.Helper()
	m := mock.New()
	s := rules.NewStore(m, rules.WithLogger(logger.Nop()))
	s.Start(context.Background())
	t.Cleanup(s.Close)

	opts = append([]Option{WithLogger(logger.Nop())}, opts...)
	srv := httptest.NewServer(NewServer(app.NewLocal(s, nil), opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// TestServer_BlockAllow tests the rule endpoints
// TestServer_BlockAllow 测试规则接口
func TestServer_BlockAllow(t *testing.T) {
	srv, m := newTestServer(t)

	var br BlockResponse
	code := do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.5","duration":"1h","reason":"scan"}`, &br)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, br.ID)
	assert.True(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))

	var lr ListResponse
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/v1/rules", "", &lr))
	require.Len(t, lr.Rules, 1)
	assert.Equal(t, "10.0.0.5/32", lr.Rules[0].IP)
	assert.Equal(t, "scan", lr.Rules[0].Reason)
	assert.NotNil(t, lr.Rules[0].ExpiresAt)

	var ar AllowResponse
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/rules/allow", `{"ip":"10.0.0.5"}`, &ar))
	assert.True(t, ar.Removed)
	assert.False(t, m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))

	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/rules/allow", `{"ip":"10.0.0.5"}`, &ar))
	assert.False(t, ar.Removed)
}

// TestServer_Errors tests error kinds and status codes
// TestServer_Errors 测试错误类别与状态码
func TestServer_Errors(t *testing.T) {
	srv, m := newTestServer(t)

	var eb errorBody
	code := do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.256"}`, &eb)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, fwerrors.KindValidation, eb.Kind)

	code = do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.5","duration":"10"}`, &eb)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, fwerrors.KindValidation, eb.Kind)

	code = do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `not json`, &eb)
	assert.Equal(t, http.StatusBadRequest, code)

	m.FailNext(mock.OpApplyBlock, 1, nil)
	code = do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.5"}`, &eb)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, fwerrors.KindBackend, eb.Kind)

	code = do(t, http.MethodPost, srv.URL+"/api/v1/import", "rules: [", &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, fwerrors.KindFormat, eb.Kind)

	code = do(t, http.MethodGet, srv.URL+"/api/v1/rules/block", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

// TestServer_Firewall tests enable, disable and stats
// TestServer_Firewall 测试启用、禁用与统计
func TestServer_Firewall(t *testing.T) {
	srv, m := newTestServer(t)

	var sr StatusResponse
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/firewall/enable", "", &sr))
	assert.Equal(t, "enabled", sr.Status)
	assert.True(t, m.Filtering())

	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/firewall/disable", "", &sr))
	assert.Equal(t, "disabled", sr.Status)
	assert.False(t, m.Filtering())

	do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.1"}`, nil)
	do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.2","duration":"5m"}`, nil)

	var st stats.Stats
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/v1/stats", "", &st))
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, 2, st.ActiveRules)
	assert.Equal(t, 1, st.TemporaryRules)
	assert.Equal(t, 1, st.PermanentRules)
}

// TestServer_ExportImport tests the YAML round trip over HTTP
// TestServer_ExportImport 测试通过 HTTP 的 YAML 往返
func TestServer_ExportImport(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/api/v1/rules/block", `{"ip":"10.0.0.1","reason":"a"}`, nil)

	resp, err := http.Get(srv.URL + "/api/v1/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "10.0.0.1")

	doc := "version: 1\nrules:\n  - ip: 10.0.0.9\n    action: block\n  - ip: 10.0.0.999\n    action: block\n"
	var res app.ImportResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/import", doc, &res))
	assert.Equal(t, 1, res.Installed)
	assert.Equal(t, 1, res.Retracted)
	assert.Len(t, res.Warnings, 1)
}

// TestServer_ImportBackendFailure tests that partial failures are reported in the body
// TestServer_ImportBackendFailure 测试部分失败在响应体中报告
func TestServer_ImportBackendFailure(t *testing.T) {
	srv, m := newTestServer(t)
	m.FailNext(mock.OpApplyBlock, 1, nil)

	doc := "version: 1\nrules:\n  - ip: 10.0.0.9\n    action: block\n"
	var res app.ImportResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/v1/import", doc, &res))
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Errors, 1)
}

// TestServer_Auth tests bearer token checks
// TestServer_Auth 测试 Bearer 令牌校验
func TestServer_Auth(t *testing.T) {
	srv, _ := newTestServer(t, WithToken("s3cret"))

	var eb errorBody
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/api/v1/rules", "", &eb))
	assert.Equal(t, "auth", eb.Kind)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/rules", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "", nil))
}

// TestServer_Metrics tests that /metrics is served only when enabled
// TestServer_Metrics 测试 /metrics 仅在启用时提供
func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/metrics", "", nil))

	srv, _ = newTestServer(t, WithMetrics(true))
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartShutdown(t *testing.T) {
	m := mock.New()
	s := rules.NewStore(m, rules.WithLogger(logger.Nop()))
	s.Start(context.Background())
	defer s.Close()

	srv := NewServer(app.NewLocal(s, nil), WithLogger(logger.Nop()))
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, srv.Shutdown(context.Background()))
}
