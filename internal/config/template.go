package config

// DefaultConfigTemplate is written by "dshark init". It documents every key
// with bilingual comments.
const DefaultConfigTemplate = `# dshark Configuration File / dshark 配置文件

# Logging / 日志
logging:
  # Level: debug, info, warn, error / 日志级别
  level: info
  # Format: console or json / 输出格式
  format: console
  # Path: log file; empty writes to stderr / 日志文件，为空时输出到 stderr
  path: ""
  max_size: 10
  max_backups: 3
  max_age: 30
  compress: true

# Daemon API / 守护进程 API
api:
  # Listen address; empty disables the HTTP API / 监听地址，为空时禁用 HTTP API
  listen: "127.0.0.1:11811"
  # Bearer token required by every request when set / 设置后每个请求都需要携带的令牌
  token: ""
  pid_file: "/var/run/dshark.pid"

# Enforcement backend / 执行后端
backend:
  # Type: nft, xdp or memory (dry run) / 类型：nft、xdp 或 memory（演练模式）
  type: nft
  # Deadline of a single backend call / 单次后端调用的超时
  timeout: 10s
  nftables:
    table: dshark
  xdp:
    # Where the XDP program pinned lock_list, lock_list6 and global_config
    # XDP 程序固定 lock_list、lock_list6 和 global_config 的路径
    pin_path: /sys/fs/bpf/dshark

# Retries of failed automatic removals / 自动删除失败时的重试
expiry:
  max_attempts: 5
  initial_delay: 1s
  max_delay: 30s
  backoff_factor: 2

# Rule snapshot restored on start and SIGHUP / 启动和 SIGHUP 时恢复的规则快照
state:
  enabled: true
  path: /var/lib/dshark/rules.yaml

# GeoIP City database (MaxMind mmdb); empty disables lookups
# GeoIP City 数据库（MaxMind mmdb），为空时禁用查询
geoip:
  city_db: ""

# Prometheus metrics served on /metrics / 在 /metrics 提供 Prometheus 指标
metrics:
  enabled: false

# Log based auto-block / 基于日志的自动封禁
autoblock:
  enabled: false
  files:
    - /var/log/auth.log
  rules:
    - name: ssh-bruteforce
      # Variables: hits (matching lines from ip in window), line, ip
      # 变量：hits（窗口内该 IP 的匹配行数）、line、ip
      match: 'line contains "Failed password"'
      condition: 'hits >= 5'
      window: 10m
      duration: 1h
`
