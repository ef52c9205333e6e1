package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gorcon/battleye"
	"github.com/dantte-lp/gorcon/internal/config"
	rconmetrics "github.com/dantte-lp/gorcon/internal/metrics"
)

// ErrMonitorProtocol indicates monitor was invoked for a protocol without
// server-pushed messages.
var ErrMonitorProtocol = errors.New("monitor requires the battleye protocol")

func monitorCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream BattlEye server messages until interrupted",
		Long: "Keeps a BattlEye session open and prints every server-pushed message.\n" +
			"With --metrics-addr, client metrics are served for Prometheus scraping.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Protocol != config.ProtocolBattlEye {
				return fmt.Errorf("protocol %q: %w", cfg.Protocol, ErrMonitorProtocol)
			}

			clientCfg := cfg.Client()
			if err := clientCfg.Validate(); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			collector := rconmetrics.NewCollector(reg)
			client := battleye.New(clientCfg,
				battleye.WithLogger(logger),
				battleye.WithMetrics(collector.Reporter(cfg.Protocol, cfg.Host)),
			)

			client.OnServerMessage(func(message string) {
				fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), message)
			})

			errCh := make(chan error, 1)
			client.Machine().OnError(func(err error) {
				select {
				case errCh <- err:
				default:
				}
			})

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Host, err)
			}
			defer client.Disconnect()

			g, gCtx := errgroup.WithContext(ctx)

			addr := cfg.Metrics.Addr
			if metricsAddr != "" {
				addr = metricsAddr
			}
			if addr != "" {
				mux := http.NewServeMux()
				mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv := &http.Server{
					Addr:              addr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}

				g.Go(func() error {
					logger.Info("serving metrics", "addr", addr, "path", cfg.Metrics.Path)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gCtx.Done()
					return srv.Shutdown(context.Background())
				})
			}

			g.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				case err := <-errCh:
					return err
				}
			})

			logger.Info("monitoring server messages", "server", cfg.Host)

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}
