// Package config loads and validates the dshark YAML configuration.
// Package config 加载并校验 dshark 的 YAML 配置。
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MaxSonchik/DevOS/internal/expiry"
	"github.com/MaxSonchik/DevOS/internal/utils/fileutil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// GlobalConfig is the root of config.yaml.
// GlobalConfig 是 config.yaml 的根结构。
type GlobalConfig struct {
	Logging   logger.LoggingConfig `yaml:"logging"`
	API       APIConfig            `yaml:"api"`
	Backend   BackendConfig        `yaml:"backend"`
	Expiry    ExpiryConfig         `yaml:"expiry"`
	State     StateConfig          `yaml:"state"`
	GeoIP     GeoIPConfig          `yaml:"geoip"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	AutoBlock AutoBlockConfig      `yaml:"autoblock"`
}

type APIConfig struct {
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
	PidFile string `yaml:"pid_file"`
}

type BackendConfig struct {
	Type     string         `yaml:"type"`
	Timeout  string         `yaml:"timeout"`
	Nftables NftablesConfig `yaml:"nftables"`
	XDP      XDPConfig      `yaml:"xdp"`
}

type NftablesConfig struct {
	Table string `yaml:"table"`
}

type XDPConfig struct {
	PinPath string `yaml:"pin_path"`
}

// ExpiryConfig tunes retries of failed background removals.
// ExpiryConfig 调整后台删除失败时的重试参数。
type ExpiryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

type StateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type GeoIPConfig struct {
	CityDB string `yaml:"city_db"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AutoBlockConfig drives log based automatic blocking.
// AutoBlockConfig 控制基于日志的自动封禁。
type AutoBlockConfig struct {
	Enabled bool            `yaml:"enabled"`
	Files   []string        `yaml:"files"`
	Rules   []AutoBlockRule `yaml:"rules"`
}

// AutoBlockRule blocks the source IP of matching log lines. Match selects
// the lines counted as hits; Condition decides when to block. Both are
// expr-lang expressions over hits, line and ip.
// AutoBlockRule 封禁匹配日志行中的源 IP。Match 选择计入命中的行，Condition 决定何时封禁；
// 两者都是基于 hits、line、ip 的 expr 表达式。
type AutoBlockRule struct {
	Name      string `yaml:"name"`
	Match     string `yaml:"match"`
	Condition string `yaml:"condition"`
	Window    string `yaml:"window"`
	Duration  string `yaml:"duration"`
}

// DefaultConfig returns the configuration used when a key is absent.
// DefaultConfig 返回键缺失时使用的默认配置。
func DefaultConfig() GlobalConfig {
	retry := expiry.DefaultRetryConfig()
	return GlobalConfig{
		Logging: logger.LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSize:    10, // 10MB
			MaxBackups: 3,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
		API: APIConfig{
			Listen:  DefaultListen,
			PidFile: DefaultPidPath,
		},
		Backend: BackendConfig{
			Type:     BackendNFT,
			Timeout:  "10s",
			Nftables: NftablesConfig{Table: DefaultNFTTable},
			XDP:      XDPConfig{PinPath: DefaultPinPath},
		},
		Expiry: ExpiryConfig{
			MaxAttempts:   retry.MaxAttempts,
			InitialDelay:  retry.InitialDelay.String(),
			MaxDelay:      retry.MaxDelay.String(),
			BackoffFactor: retry.BackoffFactor,
		},
		State: StateConfig{
			Enabled: true,
			Path:    DefaultStatePath,
		},
	}
}

// LoadGlobalConfig reads path on top of the defaults and validates the result.
// LoadGlobalConfig 在默认值之上读取 path 并校验结果。
func LoadGlobalConfig(path string) (*GlobalConfig, error) {
	safePath := filepath.Clean(path)
	data, err := os.ReadFile(safePath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault behaves like LoadGlobalConfig but falls back to the
// defaults when the file does not exist.
func LoadOrDefault(path string) (*GlobalConfig, error) {
	cfg, err := LoadGlobalConfig(path)
	if os.IsNotExist(err) {
		logger.Get(nil).Debugf("[CONFIG] %s not found, using defaults", path)
		def := DefaultConfig()
		return &def, nil
	}
	return cfg, err
}

// SaveGlobalConfig writes cfg atomically with two-space indentation.
// SaveGlobalConfig 以两空格缩进原子写入 cfg。
func SaveGlobalConfig(path string, cfg *GlobalConfig) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// WriteDefault writes DefaultConfigTemplate to path unless a file exists
// there and force is false.
// WriteDefault 将 DefaultConfigTemplate 写入 path；文件已存在且未指定 force 时不覆盖。
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	return fileutil.AtomicWriteFile(path, []byte(DefaultConfigTemplate), 0600)
}

// BackendTimeout returns the per-call backend deadline.
func (c *GlobalConfig) BackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// RetryConfig converts the expiry section for the scheduler.
// RetryConfig 将 expiry 配置转换为调度器使用的重试参数。
func (c *GlobalConfig) RetryConfig() expiry.RetryConfig {
	rc := expiry.DefaultRetryConfig()
	if c.Expiry.MaxAttempts > 0 {
		rc.MaxAttempts = c.Expiry.MaxAttempts
	}
	if d, err := time.ParseDuration(c.Expiry.InitialDelay); err == nil && d > 0 {
		rc.InitialDelay = d
	}
	if d, err := time.ParseDuration(c.Expiry.MaxDelay); err == nil && d > 0 {
		rc.MaxDelay = d
	}
	if c.Expiry.BackoffFactor >= 1 {
		rc.BackoffFactor = c.Expiry.BackoffFactor
	}
	return rc
}
