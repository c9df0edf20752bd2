package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/client"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// TestManagePidFile tests PID file management
// TestManagePidFile 测试 PID 文件管理
func TestManagePidFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "run", "test.pid")

	require.NoError(t, managePidFile(pidPath))
	content, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(content)))

	// Second call fails while this process is alive
	// 本进程存活时第二次调用失败
	err = managePidFile(pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PID file")

	removePidFile(pidPath)
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))

	// Removing twice is quiet
	removePidFile(pidPath)
}

// TestManagePidFile_Stale tests that stale or garbage PID files are replaced
// TestManagePidFile_Stale 测试过期或无效的 PID 文件会被替换
func TestManagePidFile_Stale(t *testing.T) {
	for _, content := range []string{"99999999", "garbage", ""} {
		pidPath := filepath.Join(t.TempDir(), "stale.pid")
		require.NoError(t, os.WriteFile(pidPath, []byte(content), 0644))
		require.NoError(t, managePidFile(pidPath), content)

		data, err := os.ReadFile(pidPath)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
	}
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	doc := fmt.Sprintf(`api:
  listen: "127.0.0.1:0"
  pid_file: %q
backend:
  type: memory
state:
  enabled: true
  path: %q
%s`, filepath.Join(dir, "dshark.pid"), filepath.Join(dir, "rules.yaml"), extra)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	return path
}

type running struct {
	d      *Daemon
	m      *mock.Adapter
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, cfgPath string) *running {
	t.Helper()
	m := mock.New()
	d, err := New(Options{ConfigPath: cfgPath, Backend: m, Logger: logger.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, m: m, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-r.done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

// TestDaemon_PersistAcrossRestart tests that rules survive a restart through the state file
// TestDaemon_PersistAcrossRestart 测试规则通过状态文件在重启后保留
func TestDaemon_PersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	ctx := context.Background()

	r := startDaemon(t, cfgPath)
	_, err := os.Stat(filepath.Join(dir, "dshark.pid"))
	require.NoError(t, err)

	c := client.New(r.d.Addr().String())
	_, err = c.Block(ctx, "10.0.0.5", "1h", "scan")
	require.NoError(t, err)
	_, err = c.Block(ctx, "2001:db8::/64", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, r.m.Blocked())
	r.stop(t)

	_, err = os.Stat(filepath.Join(dir, "dshark.pid"))
	assert.True(t, os.IsNotExist(err))
	state, err := os.ReadFile(filepath.Join(dir, "rules.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(state), "10.0.0.5")

	r = startDaemon(t, cfgPath)
	defer r.stop(t)
	assert.True(t, r.m.IsBlocked(iputil.MustParseAddress("10.0.0.5")))
	assert.True(t, r.m.IsBlocked(iputil.MustParseAddress("2001:db8::/64")))

	views, err := client.New(r.d.Addr().String()).List(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

// TestDaemon_Token tests that the configured token protects the API
// TestDaemon_Token 测试配置的令牌保护 API
func TestDaemon_Token(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	doc := strings.Replace(string(data), "api:\n", "api:\n  token: s3cret\n", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0600))

	r := startDaemon(t, cfgPath)
	defer r.stop(t)
	ctx := context.Background()

	_, err = client.New(r.d.Addr().String()).Stats(ctx)
	assert.Error(t, err)
	_, err = client.New(r.d.Addr().String(), client.WithToken("s3cret")).Stats(ctx)
	assert.NoError(t, err)
}

// TestDaemon_AutoBlock tests that a matching log line leads to a block
// TestDaemon_AutoBlock 测试匹配的日志行触发封禁
func TestDaemon_AutoBlock(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0600))
	cfgPath := writeConfig(t, dir, fmt.Sprintf(`autoblock:
  enabled: true
  files: [%q]
  rules:
    - name: ssh
      match: 'line contains "Failed password"'
      condition: "hits >= 1"
      duration: 1h
`, logPath))

	r := startDaemon(t, cfgPath)
	defer r.stop(t)

	ip := iputil.MustParseAddress("203.0.113.7")
	assert.Eventually(t, func() bool {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return false
		}
		_, _ = f.WriteString("sshd: Failed password for root from 203.0.113.7 port 22\n")
		_ = f.Close()
		return r.m.IsBlocked(ip)
	}, 5*time.Second, 100*time.Millisecond)
}

func TestDaemon_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  type: iptables\n"), 0600))
	_, err := New(Options{ConfigPath: path})
	assert.Error(t, err)
}

func TestOpenBackend_Memory(t *testing.T) {
	dir := t.TempDir()
	d, err := New(Options{ConfigPath: writeConfig(t, dir, "")})
	require.NoError(t, err)
	a, err := openBackend(d.cfg, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", a.Name())
}
