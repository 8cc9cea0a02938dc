// Command kvmd is the daemon entrypoint: it loads a tenant manifest,
// boots each tenant's Program Instance, and exposes an HTTP gateway in
// front of the Invocation Pipeline and Chain Executor, plus a Prometheus
// /metrics endpoint and a small admin surface for program invalidation
// and asynchronous start.
// Mirrors oriys-nova's cmd/nova daemon command, narrowed to this core's
// single-process runtime rather than a Redis-backed control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nova-kvm/kvmruntime/internal/chain"
	kvmconfig "github.com/nova-kvm/kvmruntime/internal/config"
	"github.com/nova-kvm/kvmruntime/internal/invocation"
	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/metrics"
	"github.com/nova-kvm/kvmruntime/internal/observability"
	"github.com/nova-kvm/kvmruntime/internal/syscallabi"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvmd",
		Short: "kvmd - multi-tenant hardware-virtualized compute runtime",
		Long:  "A reverse-proxy-embedded runtime that dispatches HTTP requests into warm, hardware-virtualized guest VMs, one Program Instance per tenant.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to daemon config file (YAML)")

	rootCmd.AddCommand(serveCmd(), invalidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadDaemonConfig() (kvmconfig.Daemon, error) {
	if configFile == "" {
		return kvmconfig.DefaultDaemon(), nil
	}
	return kvmconfig.LoadDaemonFile(configFile)
}

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: boot tenants and serve the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			logging.SetLevelFromString(cfg.LogLevel)

			tp := observability.Configure(nil)
			defer tp.Shutdown(context.Background())

			m := metrics.Global()

			registry := tenant.NewRegistry()
			registry.SetCommitHook(func(tenantName string) syscallabi.CommitFunc {
				return commitVM(registry, tenantName)
			})
			if cfg.ManifestURI != "" {
				fetcher := kvmconfig.NewManifestFetcher(cfg.FetchTimeout)
				ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
				manifest, err := fetcher.Fetch(ctx, cfg.ManifestURI)
				cancel()
				if err != nil {
					return fmt.Errorf("fetch manifest: %w", err)
				}
				if err := registry.InitTenants(context.Background(), manifest, cfg.InitPrograms); err != nil {
					return fmt.Errorf("init tenants: %w", err)
				}
			}

			pipeline := invocation.New(registry, m)
			executor := chain.New(registry, pipeline, m)

			mux := http.NewServeMux()
			mountGateway(mux, registry, pipeline, executor)
			mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

			logging.Op().Info("kvmd starting", "http_addr", cfg.HTTPAddr, "log_level", cfg.LogLevel)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case err := <-errCh:
				logging.Op().Error("http server failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP gateway listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func invalidateCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "invalidate-programs <pattern>",
		Short: "Unload every tenant Program Instance whose name matches pattern, against a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := fmt.Sprintf("%s/v1/admin/invalidate-programs", addr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u, nil)
			if err != nil {
				return err
			}
			q := req.URL.Query()
			q.Set("pattern", args[0])
			req.URL.RawQuery = q.Encode()
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("invalidate-programs: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("invalidate-programs: daemon returned %s", resp.Status)
			}
			fmt.Println("ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Running daemon's base HTTP address")
	return cmd
}

