package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avalanche-rpc/gateway"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envFile       string
	nodesYAML     string
	networkFlag   string
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Avalanche-aware JSON-RPC gateway",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file to load before binding config")
	serve.Flags().StringVar(&nodesYAML, "nodes-file", "nodes.yaml", "optional static node list")
	serve.Flags().StringVar(&networkFlag, "network", string(gateway.NetworkAvalancheFuji), "network this gateway instance serves")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	cfg, err := gateway.LoadConfig(envFile, nodesYAML)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	gw, err := gateway.NewGateway(cfg, log)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Provision(ctx); err != nil {
		return fmt.Errorf("provisioning gateway: %w", err)
	}

	network := gateway.Network(networkFlag)
	if !cmd.Flags().Changed("network") && cfg.DefaultNetwork != "" {
		network = cfg.DefaultNetwork
	}
	srv := gateway.NewHTTPServer(gw, cfg.ListenAddr, network, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}

	return gw.Close()
}
