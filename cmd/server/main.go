package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/api"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/compute"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/config"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/driver"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	natsclient "github.com/devghori1264/aerophoenix/cloudlet/internal/nats"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/notify"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/tasks"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/telemetry"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/terminator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "cloudlet-server",
		Short:        "Cloudlet compute orchestration service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	f.String("grpc-addr", ":50051", "gRPC health listen address")
	f.String("http-addr", ":8080", "HTTP shim listen address")
	f.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	f.String("db", "./data/badger", "Badger DB path")
	f.String("host", "cloudlet-0", "name of this compute host")
	f.String("nats-url", "", "NATS server for notifications (disabled when empty)")
	f.String("nats-subject", natsclient.DefaultSubject, "NATS subject for notifications")
	f.Duration("operation-timeout", 30*time.Minute, "timeout for a whole lifecycle operation")
	f.Duration("step-delay", 500*time.Millisecond, "simulated driver delay per task state")
	f.Bool("trace", false, "export OpenTelemetry spans to stdout")
	f.String("log-level", "info", "log level")
	f.Bool("log-development", false, "human readable logs")
	return cmd
}

func run(cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Trace {
		shutdown, err := telemetry.Setup(os.Stdout)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Create storage
	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open badger store")
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATSURL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATSURL, log)
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		defer pub.Close()
		notifier = natsclient.NewNotifier(pub, cfg.NATSSubject, log, m)
	} else {
		log.Warn("no nats url configured, notifications disabled")
	}

	drv := driver.NewSimulator(cfg.StepDelay, log.Named("driver"))
	term := terminator.New(store, drv, notifier, log.Named("terminator"), m)
	tracker := tasks.NewTracker(store, log.Named("tasks"), m)
	mgr := compute.NewManager(store, tracker, drv, term, notifier, log.Named("compute"), m)
	handler := api.NewHandler(mgr, store, log.Named("api"), cfg.Host, cfg.OperationTimeout)

	// gRPC health service
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.GRPCAddr)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc serve error", zap.Error(err))
		}
	}()

	// Start HTTP shim
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Routes(),
	}
	go func() {
		log.Info("HTTP shim listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http listen", zap.Error(err))
		}
	}()

	// Metrics endpoint
	mux := http.NewServeMux()
	api.RegisterMetrics(mux, reg)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info("Prometheus metrics available", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")

	healthSrv.Shutdown()
	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	// Operations already handed to the driver run to completion so their
	// checkpoints and teardown are not cut off by closing the store.
	handler.Wait()
	log.Info("shutdown complete")
	return nil
}
