// Package common holds state shared by the CLI commands.
// Package common 保存 CLI 命令共享的状态。
package common

import (
	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/client"
	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/runtime"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// MockOps replaces the daemon client in tests.
// MockOps 在测试中替代守护进程客户端。
var MockOps app.Ops

// ConfigPath returns the --config value or the default path.
func ConfigPath() string {
	if runtime.ConfigPath != "" {
		return runtime.ConfigPath
	}
	return config.DefaultConfigPath
}

// LoadConfig reads the configuration, falling back to the defaults when the
// file cannot be used.
// LoadConfig 读取配置；文件不可用时回退到默认值。
func LoadConfig(cmd *cobra.Command) *config.GlobalConfig {
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err != nil {
		logger.Get(cmd.Context()).Warnf("[WARN] %v, using defaults", err)
		def := config.DefaultConfig()
		return &def
	}
	return cfg
}

// GetOps returns the client for the daemon named by --server or api.listen.
// GetOps 返回由 --server 或 api.listen 指定的守护进程客户端。
func GetOps(cmd *cobra.Command) app.Ops {
	if MockOps != nil {
		return MockOps
	}
	cfg := LoadConfig(cmd)
	return client.New(runtime.Addr(cfg.API.Listen), client.WithToken(cfg.API.Token))
}
