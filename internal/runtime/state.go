package runtime

// ConfigPath stores the path to the configuration file provided via CLI flags.
// ConfigPath 存储通过 CLI 标志提供的配置文件路径。
var ConfigPath string

// ServerAddr is the daemon API address given with --server. Empty means
// the api.listen address from the configuration file.
// ServerAddr 是通过 --server 指定的守护进程 API 地址；为空时使用配置文件中的 api.listen。
var ServerAddr string

// Addr returns ServerAddr, or fallback when it is unset.
func Addr(fallback string) string {
	if ServerAddr != "" {
		return ServerAddr
	}
	return fallback
}
