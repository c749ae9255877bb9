package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/config"
	"github.com/dreamware/ramstream/internal/coordinator"
	"github.com/dreamware/ramstream/internal/vmhost"
)

var log = logrus.WithField("component", "coordinator")

type options struct {
	listen         string
	configPath     string
	hostAddr       string
	hostID         string
	logLevel       string
	healthInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Replicate VM memory from a primary host to backup nodes",
		Long: `The coordinator streams dirty memory pages of VMs on a primary host to
registered backup nodes, throttles VMs whose replication buffer fills up,
and drives planned migrations and unplanned failovers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(opts.logLevel); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", getenv("COORDINATOR_ADDR", ":8080"), "HTTP listen address")
	f.StringVar(&opts.configPath, "config", getenv("RAMSTREAM_CONFIG", ""), "replication config file (YAML)")
	f.StringVar(&opts.hostAddr, "host-addr", getenv("HOST_AGENT_ADDR", "http://127.0.0.1:8090"), "primary host agent URL")
	f.StringVar(&opts.hostID, "host-id", getenv("HOST_ID", "host-1"), "primary host ID, excluded from failover targets")
	f.StringVar(&opts.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level")
	f.DurationVar(&opts.healthInterval, "health-interval", 2*time.Second, "health check interval")
	return cmd
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	host := vmhost.NewClient(opts.hostAddr)
	srv, err := newServer(cfg, host, nil, reg)
	if err != nil {
		return err
	}

	monitor := coordinator.NewHealthMonitor(opts.healthInterval)
	coordinator.WatchHosts(ctx, monitor, srv.manager, srv.dir.Registry(), map[string]bool{opts.hostID: true})
	go monitor.Start(ctx, func() []cluster.NodeInfo {
		return append(srv.dir.Registry().Nodes(), cluster.NodeInfo{ID: opts.hostID, Addr: opts.hostAddr})
	})

	httpSrv := &http.Server{
		Addr:              opts.listen,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": opts.listen, "host": opts.hostAddr}).Info("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	monitor.Stop()
	if cerr := srv.Close(shutdownCtx); cerr != nil {
		log.WithError(cerr).Warn("shutdown incomplete")
	}
	log.Info("coordinator stopped")
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
