// Package main is the node process entry point: load configuration from
// the environment, bring up a Runtime, and run until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ruvnet/omnix-consensus/internal/config"
	"github.com/ruvnet/omnix-consensus/internal/runtime"
	"github.com/ruvnet/omnix-consensus/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "omnix-node",
	Short: "Run a consensus node",
	Long:  "omnix-node starts a single node of a Raft/PBFT/Tendermint consensus cluster, configured entirely from the environment.",
	RunE:  runStart,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("node: build logger: %w", err)
	}
	defer logger.Sync()

	metric := metrics.NewMetrics()

	rt, err := runtime.New(cfg, logger, metric)
	if err != nil {
		logger.Fatal("failed to construct runtime", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}
	logger.Info("node started",
		zap.String("node_id", cfg.Node.ID),
		zap.String("algorithm", cfg.Consensus.Algorithm),
		zap.Int("port", cfg.Network.Port))

	go logLeadership(ctx, logger, rt)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down node")

	cancel()
	if err := rt.Stop(); err != nil {
		logger.Error("error stopping runtime", zap.Error(err))
	}
	logger.Info("node exited gracefully")
	return nil
}

// logLeadership periodically records whether this node currently holds
// leadership, mirroring the teacher's worker health-check ticker.
func logLeadership(ctx context.Context, logger *zap.Logger, rt *runtime.Runtime) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("node health check",
				zap.Bool("is_leader", rt.IsLeader()),
				zap.String("leader", string(rt.Leader())),
				zap.Uint64("term", uint64(rt.Term())))
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
