// Package status renders the local daemon's view of the cluster.
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"processhub/cmd/processhub/ui"
	"processhub/config"
	"processhub/internal/statusapi"
)

// New returns the status command.
func New() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster membership and child placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				addr = cfg.StatusAddr
			}
			if addr == "" {
				return fmt.Errorf("no status address configured")
			}

			info, err := statusapi.Fetch(cmd.Context(), addr)
			if err != nil {
				return err
			}

			fmt.Println(ui.Accent("hub ") + info.Hub + ui.Muted(" @ ") + info.Self)

			nodeRows := make([][]string, 0, len(info.Nodes))
			for _, n := range info.Nodes {
				role := ""
				if n == info.Self {
					role = "self"
				}
				nodeRows = append(nodeRows, []string{n, role})
			}
			fmt.Println(ui.Table([]string{"NODE", ""}, nodeRows))

			cids := make([]string, 0, len(info.Children))
			for cid := range info.Children {
				cids = append(cids, cid)
			}
			sort.Strings(cids)
			childRows := make([][]string, 0, len(cids))
			for _, cid := range cids {
				var nodes []string
				for _, loc := range info.Children[cid] {
					nodes = append(nodes, loc.Node)
				}
				childRows = append(childRows, []string{cid, strings.Join(nodes, ", ")})
			}
			fmt.Println(ui.Table([]string{"CHILD", "NODES"}, childRows))

			if info.NTPPhase != "" && info.NTPPhase != "healthy" {
				fmt.Println(ui.WarnMsg("ntp: %s", info.NTPPhase))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "processhub.yaml", "path to the hub config file")
	cmd.Flags().StringVar(&addr, "addr", "", "status API address (overrides config)")
	return cmd
}
