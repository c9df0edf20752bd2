package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/cmd/dshark/commands/common"
	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/runtime"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

var RootCmd = &cobra.Command{
	Use:   "dshark",
	Short: "Temporal firewall rule manager",
	// Short: 带时效的防火墙规则管理器
	Long: `dshark blocks and allows addresses at the packet filter, optionally for a
limited time. Expired rules are removed automatically by the daemon.
dshark 在包过滤器上封禁或放行地址，可设置时效；过期规则由守护进程自动移除。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Only errors from the logger on the CLI side
		// CLI 侧日志仅输出错误
		cfg, err := config.LoadOrDefault(common.ConfigPath())
		if err != nil {
			logger.Init(logger.LoggingConfig{Level: "error"})
		} else {
			lc := cfg.Logging
			if cmd.Name() != "daemon" {
				lc.Level = "error"
			}
			logger.Init(lc)
		}
		cmd.SetContext(logger.WithContext(cmd.Context(), logger.Get(nil)))
	},
}

func init() {
	// Config file path
	// 配置文件路径
	RootCmd.PersistentFlags().StringVarP(&runtime.ConfigPath, "config", "c", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultConfigPath))
	// Daemon API address
	// 守护进程 API 地址
	RootCmd.PersistentFlags().StringVar(&runtime.ServerAddr, "server", "", "Daemon API address (default: api.listen from config)")

	RootCmd.AddCommand(blockCmd)
	RootCmd.AddCommand(allowCmd)
	RootCmd.AddCommand(listCmd)
	RootCmd.AddCommand(firewallCmd)
	RootCmd.AddCommand(daemonCmd)
	RootCmd.AddCommand(initCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(createCustomCompletionCmd())

	RootCmd.CompletionOptions.DisableDefaultCmd = true
}

// createCustomCompletionCmd creates a completion command without powershell.
// createCustomCompletionCmd 创建不含 powershell 的补全命令。
func createCustomCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish]",
		Short: "Generate shell autocompletion script",
		Long: `Generate shell autocompletion script for dshark.
生成 dshark 的 shell 自动补全脚本。

Examples:
  dshark completion bash > /etc/bash_completion.d/dshark
  dshark completion zsh  > "${fpath[1]}/_dshark"
  dshark completion fish > ~/.config/fish/completions/dshark.fish`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return RootCmd.GenBashCompletionV2(out, true)
			case "zsh":
				return RootCmd.GenZshCompletion(out)
			case "fish":
				return RootCmd.GenFishCompletion(out, true)
			default:
				return fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", args[0])
			}
		},
	}
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}
