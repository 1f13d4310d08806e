package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/scanforge/engine/pkg/coordinator"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the distributed scan coordinator cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new coordinator cluster with this node as the first voter",
	RunE:  clusterInit,
}

func init() {
	clusterInitCmd.Flags().String("node-id", "", "Coordinator node ID")
	clusterInitCmd.Flags().String("bind-addr", "127.0.0.1:9301", "Raft bind address")
	clusterInitCmd.Flags().String("rpc-addr", "127.0.0.1:9302", "Coordinator gRPC listen address")
	clusterInitCmd.Flags().String("data-dir", "./coordinator-data", "Raft data directory")
	clusterInitCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	clusterInitCmd.MarkFlagRequired("node-id")

	clusterCmd.AddCommand(clusterInitCmd)
}

func clusterInit(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithComponent("scanenginectl").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("Metrics: http://%s/metrics, health: http://%s/health\n", metricsAddr, metricsAddr)

	c, err := coordinator.New(coordinator.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	if err := c.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	fmt.Printf("Coordinator %s bootstrapped (raft=%s)\n", nodeID, bindAddr)

	token, err := c.IssueJoinToken()
	if err != nil {
		return fmt.Errorf("issue join token: %w", err)
	}
	fmt.Printf("Join token (valid %s): %s\n", coordinator.DefaultJoinTokenTTL, token)
	fmt.Printf("  scanenginectl node join --coordinator %s --token %s --node-id <id> --endpoint <addr>\n", rpcAddr, token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := coordinator.NewWatcher(c, func(scanID string) {
		log.WithNodeID(nodeID).Warn().Str("scan_id", scanID).Msg("scan orphaned by unreachable node, awaiting reassignment")
	})
	go watcher.Run(ctx)

	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rpcAddr, err)
	}
	fmt.Printf("Coordinator RPC listening on %s\n", rpcAddr)
	return coordinator.NewGRPCServer(c).Serve(ctx, lis)
}
