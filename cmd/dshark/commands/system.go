package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/cmd/dshark/commands/common"
	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/daemon"
	"github.com/MaxSonchik/DevOS/internal/runtime"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the rule manager",
	// Short: 运行规则管理器
	Long: `Run the long-lived rule manager. It owns every rule and removes temporary
rules when they expire. Send SIGHUP to reload the configuration and state file.
运行常驻规则管理器，持有所有规则并在到期时移除临时规则。发送 SIGHUP 重新加载配置和状态文件。`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(daemon.Options{
			ConfigPath: common.ConfigPath(),
			Listen:     runtime.ServerAddr,
		})
		if err != nil {
			return err
		}
		return d.Run(cmd.Context())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	// Short: 写入默认配置文件
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := common.ConfigPath()
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
}
