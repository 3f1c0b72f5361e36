package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/han-fei/telemesh/pkg/transport"
)

var snapshotFlags struct {
	addr    string
	timeout time.Duration
	watch   time.Duration
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the latest sample of every collector known to an aggregator",
	Long: "Print the latest sample of every collector known to an aggregator.\n" +
		"With --watch the snapshot is pulled again on every interval until interrupted.",
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotFlags.addr, "addr", "localhost:9095", "aggregator gRPC address")
	snapshotCmd.Flags().DurationVar(&snapshotFlags.timeout, "timeout", 5*time.Second, "request timeout")
	snapshotCmd.Flags().DurationVar(&snapshotFlags.watch, "watch", 0, "poll again on this interval until interrupted (e.g. 10s)")
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	if snapshotFlags.watch < 0 {
		return fmt.Errorf("telemesh snapshot: --watch must not be negative")
	}

	client, err := transport.NewRemoteAggregator(snapshotFlags.addr, snapshotFlags.timeout)
	if err != nil {
		return fmt.Errorf("telemesh snapshot: %w", err)
	}
	defer client.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if snapshotFlags.watch == 0 {
		return printSnapshot(ctx, client, enc)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ticker := time.NewTicker(snapshotFlags.watch)
	defer ticker.Stop()

	for {
		// 监控模式下单次拉取失败只打印错误，继续下一轮
		if err := printSnapshot(ctx, client, enc); err != nil && ctx.Err() == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printSnapshot(ctx context.Context, client *transport.RemoteAggregator, enc *json.Encoder) error {
	snapshot, err := client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("telemesh snapshot: %s: %w", snapshotFlags.addr, err)
	}
	return enc.Encode(snapshot)
}
