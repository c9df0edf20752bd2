package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/cmd/dshark/commands/common"
	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
)

var blockCmd = &cobra.Command{
	Use:   "block <ip|cidr>",
	Short: "Block an address",
	// Short: 封禁地址
	Long: `Block an IP address or CIDR. Without --duration the rule is permanent.
Blocking an address that already has a rule replaces it.
封禁 IP 地址或网段。未指定 --duration 时为永久规则；已有规则的地址将被替换。

Examples:
  dshark block 203.0.113.7
  dshark block 203.0.113.0/24 --duration 2h --reason "port scan"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetString("duration")
		reason, _ := cmd.Flags().GetString("reason")

		id, err := common.GetOps(cmd).Block(cmd.Context(), args[0], duration, reason)
		if err != nil {
			return err
		}
		if duration == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Blocked %s permanently (id %s)\n", args[0], id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Blocked %s for %s (id %s)\n", args[0], duration, id)
		}
		return nil
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow <ip|cidr>",
	Short: "Remove the block on an address",
	// Short: 解除地址封禁
	Long: `Remove the rule for an address. Succeeds whether or not a rule existed.
移除地址的规则；无论规则是否存在均成功。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := common.GetOps(cmd).Allow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Allowed %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] No rule for %s\n", args[0])
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	// Short: 列出规则
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		views, err := common.GetOps(cmd).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No rules.")
			return nil
		}
		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tREMAINING\tORIGIN\tSTATE\tLOCATION\tREASON")
		for _, v := range views {
			loc := "-"
			if v.Location != nil && !v.Location.Empty() {
				loc = v.Location.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				v.IP, fmtutil.FormatRemaining(v.ExpiresAt, now), v.Origin, v.State, loc, v.Reason)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %s\n", fmtutil.FormatNumberWithComma(len(views)))
		return nil
	},
}

func init() {
	blockCmd.Flags().StringP("duration", "d", "", "Rule lifetime, e.g. 30s, 15m, 2h (default: permanent)")
	blockCmd.Flags().StringP("reason", "r", "", "Free-text reason stored with the rule")
}
