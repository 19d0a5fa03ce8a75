package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcserver/internal/config"
	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/internal/shutdown"
	"github.com/billm/baaaht/ipcserver/pkg/ipc"
	"github.com/billm/baaaht/ipcserver/pkg/kernel/loopback"
	"github.com/billm/baaaht/ipcserver/pkg/services/echo"
)

var (
	// serve flags
	metricsAddress  string
	clients         int
	interval        time.Duration
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo service until interrupted",
	Long: `serve registers the echo service and pumps the server until SIGINT or
SIGTERM. Optional in-process clients ping the service on an interval so the
dispatch path and the metrics endpoint have traffic. SIGHUP reloads the
config file and applies a new log level.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddress, "metrics-address", "",
		"Serve Prometheus metrics on this address (default: from config or env)")
	serveCmd.Flags().IntVar(&clients, "clients", 0,
		"Number of in-process clients pinging the service")
	serveCmd.Flags().DurationVar(&interval, "interval", time.Second,
		"Delay between pings of each client")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second,
		"Time allowed for shutdown hooks")
}

// newServer creates a server on k with the echo service registered
func newServer(cfg *config.Config, k *loopback.Kernel, reg prometheus.Registerer, log *logger.Logger) (*ipc.Server, error) {
	srv, err := ipc.Create(ipc.Options{
		Waiter:            k.NewWaiter(),
		Substrate:         k,
		Services:          k.ServiceManager(),
		MaxPorts:          cfg.Server.MaxPorts,
		MaxSessions:       cfg.Server.MaxSessions,
		PointerBufferSize: cfg.Server.PointerBufferSize,
		Logger:            log,
		Registerer:        reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.CreateService(cfg.Server.ServiceName, echo.NewFactory(log, 0)); err != nil {
		_ = srv.Destroy()
		return nil, fmt.Errorf("failed to register service %q: %w", cfg.Server.ServiceName, err)
	}
	return srv, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := rootCfg
	if metricsAddress != "" {
		cfg.ApplyOverrides(config.OverrideOptions{MetricsAddress: metricsAddress})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	k := loopback.NewKernel(rootLog)
	srv, err := newServer(cfg, k, reg, rootLog)
	if err != nil {
		return err
	}

	sm := shutdown.New(shutdownTimeout, rootLog)
	sm.Start()
	defer sm.Stop()
	ctx := sm.Context()

	var wg sync.WaitGroup
	sm.AddHook("clients", func(context.Context) error {
		wg.Wait()
		return nil
	})
	if cfg.Metrics.Enabled {
		httpServer := serveMetrics(cfg.Metrics, reg)
		sm.AddHook("metrics", httpServer.Shutdown)
	}
	sm.AddHook("ipc_server", func(context.Context) error {
		rootLog.Info("IPC server stopping", "stats", srv.Stats())
		return srv.Destroy()
	})

	if cfgFile != "" {
		reloader := config.NewReloader(cfgFile, cfg, rootLog.Slog())
		reloader.AddCallback(func(_ context.Context, newConfig *config.Config) error {
			level, err := logger.ParseLevel(newConfig.Logging.Level)
			if err != nil {
				return err
			}
			rootLog.SetLevel(level)
			rootLog.Info("Log level updated", "level", level.String())
			return nil
		})
		go reloader.Run(ctx)
	}

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, k, cfg.Server.ServiceName, id, rootLog)
		}(i)
	}

	rootLog.Info("IPC server is running. Press Ctrl+C to stop.",
		"service", cfg.Server.ServiceName,
		"clients", clients)

	var pumpErr error
	for ctx.Err() == nil {
		if err := srv.Pump(ctx); err != nil && ctx.Err() == nil {
			rootLog.Error("Pump failed", "error", err)
			pumpErr = err
			sm.Request("pump failed")
		}
	}

	if err := sm.Shutdown(context.Background()); err != nil {
		return errors.Join(pumpErr, err)
	}
	return pumpErr
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rootLog.Info("Metrics endpoint listening", "address", cfg.Address, "path", cfg.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLog.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return httpServer
}

// runClient pings the service until ctx is done
func runClient(ctx context.Context, k *loopback.Kernel, service string, id int, log *logger.Logger) {
	log = log.With("client", id)

	c, err := k.Connect(service)
	if err != nil {
		log.Error("Connect failed", "error", err)
		return
	}
	defer c.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		payload := []byte(fmt.Sprintf("ping %d/%d", id, n))
		resp, err := c.Call(ctx, loopback.Request{RequestID: echo.RequestEcho, RawData: payload})
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Call failed", "error", err)
			}
			return
		}
		log.Debug("Reply received", "payload", string(resp.RawData))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
