// Package daemon runs a standalone hub node until interrupted.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"processhub"
	"processhub/config"
	"processhub/internal/logging"
	"processhub/internal/statusapi"
)

// New returns the daemon command tree.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the hub daemon",
	}
	cmd.AddCommand(newRun())
	return cmd
}

func newRun() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a hub node in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.LogLevel != "" {
				if err := logging.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			node, err := processhub.Start(ctx, cfg)
			if err != nil {
				return fmt.Errorf("start hub node: %w", err)
			}
			slog.Info("hub node running", "hub", cfg.Hub, "node", node.Self())

			if cfg.StatusAddr != "" {
				go func() {
					if err := statusapi.Serve(ctx, cfg.StatusAddr, node.Info); err != nil {
						slog.Warn("status api stopped", "err", err)
					}
				}()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-stop:
				slog.Info("shutting down", "signal", sig.String())
			case <-ctx.Done():
			}

			return node.Stop(context.Background())
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "processhub.yaml", "path to the hub config file")
	return cmd
}
