package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/cmd/dshark/commands/common"
	"github.com/MaxSonchik/DevOS/internal/utils/fileutil"
	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Filtering profile, statistics and rule files",
	// Short: 过滤策略、统计与规则文件
}

var firewallEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Switch to the deny profile (block rules enforced)",
	// Short: 切换到拒绝策略（执行封禁规则）
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := common.GetOps(cmd).SetFiltering(cmd.Context(), true); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "[OK] Firewall enabled")
		return nil
	},
}

var firewallDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Switch to the allow profile (traffic passes)",
	// Short: 切换到放行策略（流量通过）
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := common.GetOps(cmd).SetFiltering(cmd.Context(), false); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "[OK] Firewall disabled")
		return nil
	},
}

var firewallStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rule and backend statistics",
	// Short: 显示规则与后端统计
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := common.GetOps(cmd).Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[Stats] Backend: %s\n", s.Backend)
		fmt.Fprintf(cmd.OutOrStdout(), "[Rule] Active rules: %s (Temporary: %s, Permanent: %s)\n",
			fmtutil.FormatNumberWithComma(s.ActiveRules),
			fmtutil.FormatNumberWithComma(s.TemporaryRules),
			fmtutil.FormatNumberWithComma(s.PermanentRules))
		fmt.Fprintf(cmd.OutOrStdout(), "[Backend] Rules: %s (Blocking: %s)\n",
			fmtutil.FormatNumberWithComma(s.BackendRules),
			fmtutil.FormatNumberWithComma(s.BlockingRules))
		fmt.Fprintf(cmd.OutOrStdout(), "[Block] Estimated blocked connections: %s\n",
			fmtutil.FormatNumberWithComma(s.EstimatedBlockedConnections))
		if s.BackendError != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "[WARN] Backend counters unavailable: %s\n", s.BackendError)
		}
		return nil
	},
}

var firewallExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the rule set to a YAML file (\"-\" for stdout)",
	// Short: 将规则集写入 YAML 文件（"-" 表示标准输出）
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := common.GetOps(cmd).Export(cmd.Context())
		if err != nil {
			return err
		}
		if args[0] == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := fileutil.AtomicWriteFile(args[0], data, 0600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] Exported rules to %s\n", args[0])
		return nil
	},
}

var firewallImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the rule set with a YAML file (\"-\" for stdin)",
	// Short: 用 YAML 文件替换规则集（"-" 表示标准输入）
	Long: `Replace the rule set with the contents of a file written by "firewall export".
Entries that cannot be read are skipped with a warning.
用 "firewall export" 生成的文件替换规则集；无法解析的条目会被跳过并给出警告。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fwerrors.NewFormatError("read "+args[0], err)
		}

		res, err := common.GetOps(cmd).Import(cmd.Context(), data)
		if err != nil && !fwerrors.IsBackend(err) {
			return err
		}
		for _, w := range res.Warnings {
			cmd.PrintErrf("[WARN] %s\n", w)
		}
		for _, e := range res.Errors {
			cmd.PrintErrf("[ERROR] %s\n", e)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] Imported: %d installed, %d retracted, %d unchanged, %d failed\n",
			res.Installed, res.Retracted, res.Unchanged, res.Failed)
		return err
	},
}

func init() {
	firewallCmd.AddCommand(firewallEnableCmd)
	firewallCmd.AddCommand(firewallDisableCmd)
	firewallCmd.AddCommand(firewallStatsCmd)
	firewallCmd.AddCommand(firewallExportCmd)
	firewallCmd.AddCommand(firewallImportCmd)
}
