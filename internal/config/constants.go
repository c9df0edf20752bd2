package config

const (
	// DefaultConfigPath is the standard location for the dshark configuration file.
	// DefaultConfigPath 是 dshark 配置文件的标准位置。
	DefaultConfigPath = "/etc/dshark/config.yaml"

	// DefaultPidPath is the location of the daemon PID file.
	// DefaultPidPath 是守护进程 PID 文件的位置。
	DefaultPidPath = "/var/run/dshark.pid"

	// DefaultStatePath holds the rule snapshot written by the daemon.
	// DefaultStatePath 保存守护进程写入的规则快照。
	DefaultStatePath = "/var/lib/dshark/rules.yaml"

	DefaultListen   = "127.0.0.1:11811"
	DefaultPinPath  = "/sys/fs/bpf/dshark"
	DefaultNFTTable = "dshark"

	// Backend types accepted in backend.type.
	BackendNFT    = "nft"
	BackendXDP    = "xdp"
	BackendMemory = "memory"
)
