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
	"google.golang.org/grpc"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replica"
	"github.com/dreamware/ramstream/internal/rpc"
)

var log = logrus.WithField("component", "node")

const (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
)

type options struct {
	id          string
	listen      string
	public      string
	grpcListen  string
	grpcPublic  string
	coordinator string
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
		Use:           "node",
		Short:         "Hold VM memory replicas and resume VMs from them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.id == "" {
				return errors.New("--id (or NODE_ID) is required")
			}
			if opts.coordinator == "" {
				return errors.New("--coordinator (or COORDINATOR_ADDR) is required")
			}
			if err := setupLogging(opts.logLevel); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.id, "id", getenv("NODE_ID", ""), "node ID")
	f.StringVar(&opts.listen, "listen", getenv("NODE_LISTEN", ":8081"), "HTTP listen address")
	f.StringVar(&opts.public, "addr", getenv("NODE_ADDR", "http://127.0.0.1:8081"), "public HTTP URL")
	f.StringVar(&opts.grpcListen, "grpc-listen", getenv("NODE_GRPC_LISTEN", ":9081"), "gRPC listen address (empty disables gRPC)")
	f.StringVar(&opts.grpcPublic, "grpc-addr", getenv("NODE_GRPC_ADDR", "127.0.0.1:9081"), "public gRPC address")
	f.StringVar(&opts.coordinator, "coordinator", getenv("COORDINATOR_ADDR", ""), "coordinator URL")
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

func run(ctx context.Context, opts options) error {
	node := replica.NewNode(opts.id, replica.NewSet())
	log := log.WithField("node", opts.id)

	httpSrv := &http.Server{
		Addr:              opts.listen,
		Handler:           newHandler(node),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"listen": opts.listen, "public": opts.public}).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	info := cluster.NodeInfo{ID: opts.id, Addr: opts.public}
	var grpcSrv *grpc.Server
	if opts.grpcListen != "" {
		lis, err := net.Listen("tcp", opts.grpcListen)
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = rpc.NewServer(node)
		go func() {
			log.WithField("listen", opts.grpcListen).Info("gRPC listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
		info.GRPCAddr = opts.grpcPublic
	}

	var err error
	if err = register(ctx, opts.coordinator, info, registerAttempts, registerBackoff); err == nil {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP shutdown")
	}
	log.Info("node stopped")
	return err
}

// register announces the node to the coordinator, retrying while the
// coordinator starts up.
func register(ctx context.Context, coord string, info cluster.NodeInfo, attempts int, backoff time.Duration) error {
	body := cluster.RegisterRequest{Node: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.WithFields(logrus.Fields{"node": info.ID, "coordinator": coord}).Info("registered with coordinator")
			return nil
		}
		log.WithError(lastErr).Debugf("register retry %d", i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
