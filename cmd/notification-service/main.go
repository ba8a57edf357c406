package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/notifyflow/internal/notification"
	"github.com/drblury/notifyflow/internal/runtime/broker"
	"github.com/drblury/notifyflow/internal/runtime/config"
	"github.com/drblury/notifyflow/internal/runtime/dispatch"
	"github.com/drblury/notifyflow/internal/runtime/health"
	"github.com/drblury/notifyflow/internal/runtime/logging"
	"github.com/drblury/notifyflow/internal/runtime/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")
	flag.Parse()

	conf, err := config.Load(config.LoadOptions{EnvFile: *envFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(conf.Log.Level, conf.Log.Format, os.Stdout).
		With(logging.LogFields{"service": conf.ServiceName})
	log.Info("Starting notification service", logging.LogFields{"config": conf.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if conf.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registerer, gatherer = reg, reg
	}

	sup, err := broker.NewSupervisor(conf, log, broker.Dependencies{Registerer: registerer})
	if err != nil {
		log.Error("Failed to create broker supervisor", err, nil)
		return 1
	}

	disp, err := dispatch.New(conf, log, dispatch.Dependencies{Registerer: registerer})
	if err != nil {
		log.Error("Failed to create dispatcher", err, nil)
		return 1
	}
	registry, err := dispatch.NewRegistry(notification.Routes(notification.NewLogMailer(log))...)
	if err != nil {
		log.Error("Failed to build handler registry", err, nil)
		return 1
	}
	if err := disp.Start(registry); err != nil {
		log.Error("Failed to start dispatcher", err, nil)
		return 1
	}
	sup.OnConnected(disp.Subscribe)

	server := health.NewServer(health.ServerOptions{
		Addr:     conf.Server.Addr(),
		Monitor:  health.NewMonitor(sup),
		Logger:   log,
		Gatherer: gatherer,
	})

	// The broker closes before the probe server so readiness flips first.
	coord := shutdown.New(disp, sup, conf.Shutdown.DrainTimeout, conf.Shutdown.CloseTimeout, log,
		shutdown.WithFinalizer("http", func(ctx context.Context) error {
			httpCtx, cancel := context.WithTimeout(ctx, conf.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(httpCtx)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		return sup.Run(context.Background())
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info("Shutdown signal received", nil)
		}
		if err := coord.Shutdown(context.Background()); err != nil {
			log.Error("Shutdown finished with errors", err, nil)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Notification service stopped", err, nil)
		return 1
	}
	log.Info("Notification service stopped", nil)
	return 0
}
