package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/ramstream/internal/vmhost"
)

var log = logrus.WithField("component", "hostagent")

type options struct {
	listen      string
	vms         []string
	memoryPages int
	dirtyRate   float64
	logLevel    string
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
		Use:           "hostagent",
		Short:         "Run simulated VMs and expose the primary host control API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(opts.logLevel); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return err
			}
			return run(ctx, lis, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", getenv("HOST_AGENT_LISTEN", ":8090"), "HTTP listen address")
	f.StringSliceVar(&opts.vms, "vm", []string{"vm-1"}, "VM IDs to start (repeatable)")
	f.IntVar(&opts.memoryPages, "memory-pages", 1<<16, "guest pages per VM")
	f.Float64Var(&opts.dirtyRate, "dirty-rate", 2000, "unthrottled dirty pages per second")
	f.StringVar(&opts.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level")
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

func newHost(opts options) (*vmhost.Simulated, error) {
	host := vmhost.NewSimulated()
	for _, id := range opts.vms {
		if err := host.AddVM(vmhost.VMSpec{ID: id, MemoryPages: opts.memoryPages, DirtyRate: opts.dirtyRate}); err != nil {
			return nil, err
		}
	}
	return host, nil
}

// run serves the host API on lis until ctx is done.
func run(ctx context.Context, lis net.Listener, opts options) error {
	host, err := newHost(opts)
	if err != nil {
		lis.Close()
		return err
	}

	srv := &http.Server{
		Handler:           vmhost.NewHandler(host),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"listen": lis.Addr().String(), "vms": opts.vms}).Info("host agent listening")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("shutdown")
	}
	log.Info("host agent stopped")
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
