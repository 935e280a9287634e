package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/signalsfoundry/handover-simulator/internal/config"
	"github.com/signalsfoundry/handover-simulator/internal/discovery"
	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/httpapi"
	"github.com/signalsfoundry/handover-simulator/internal/ledger"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/nbi"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/kb"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to $HANDOVER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.Server.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or a server fails, then shuts everything
// down. It owns both listeners.
func run(ctx context.Context, cfg config.Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("init api metrics: %w", err)
	}
	handoverMetrics, err := observability.NewHandoverCollector(reg)
	if err != nil {
		return fmt.Errorf("init handover metrics: %w", err)
	}

	recent := events.NewBuffer(cfg.Server.EventBuffer)
	sinks := events.Fanout{recent}

	var ledgerReader httpapi.LedgerReader
	if cfg.Ledger.DSN != "" {
		led, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		defer led.Close()
		sinks = append(sinks, led)
		ledgerReader = led
		log.Info(ctx, "event ledger ready", logging.String("driver", cfg.Ledger.Driver))
	}

	if cfg.Redis.Addr != "" {
		client, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn(ctx, "redis unavailable; events will not be published", logging.Err(err))
		} else {
			pub := events.NewRedisPublisher(client, cfg.Redis.Channel)
			defer pub.Close()
			sinks = append(sinks, pub)
			log.Info(ctx, "publishing events to redis",
				logging.String("addr", cfg.Redis.Addr),
				logging.String("channel", pub.Channel()),
			)
		}
	}

	store := kb.NewKnowledgeBase()
	unsubscribe := store.Subscribe(func(ev kb.Event) {
		log.Debug(ctx, "knowledge base updated",
			logging.String("event", ev.Type.String()),
			logging.String("station_id", ev.StationID),
			logging.String("device_id", ev.DeviceID),
		)
	})
	defer unsubscribe()

	network := state.NewNetworkState(store, log,
		state.WithEventSink(sinks),
		state.WithMetricsRecorder(apiMetrics),
		state.WithHandoverMetrics(handoverMetrics),
		state.WithInitialLocation(cfg.StartLocation()),
	)
	if err := network.ProvisionStations(ctx, cfg.Stations); err != nil {
		return fmt.Errorf("provision stations: %w", err)
	}

	grpcServer, health := nbi.NewServer(nbi.NewNetworkService(network, log), log, apiMetrics)
	httpServer := &http.Server{
		Handler: httpapi.NewRouter(network, httpapi.Options{
			Log:         log,
			Collector:   apiMetrics,
			Events:      recent,
			Ledger:      ledgerReader,
			AllowOrigin: cfg.Server.AllowOrigin,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "starting NBI gRPC server", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "starting HTTP API", logging.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	deregister := registerWithConsul(ctx, cfg.Consul, grpcLis.Addr().String(), log)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down handover server")
	health.Shutdown()
	deregister()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Err(err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return runErr
}

// registerWithConsul registers the gRPC endpoint and keeps its TTL check
// passing. Failures are logged; the server runs without discovery. The
// returned func stops the heartbeat and deregisters.
func registerWithConsul(ctx context.Context, cfg config.ConsulConfig, addr string, log logging.Logger) func() {
	if cfg.Addr == "" {
		return func() {}
	}
	registry, err := discovery.NewRegistry(cfg.Addr,
		discovery.WithTTL(cfg.CheckTTL),
		discovery.WithTags(cfg.Tags...),
		discovery.WithLogger(log),
	)
	if err != nil {
		log.Warn(ctx, "consul unavailable", logging.Err(err))
		return func() {}
	}
	instanceID := discovery.GenerateInstanceID(cfg.ServiceName)
	if err := registry.Register(ctx, instanceID, cfg.ServiceName, addr); err != nil {
		log.Warn(ctx, "consul registration failed", logging.Err(err))
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	go registry.Heartbeat(hbCtx, instanceID, cfg.ServiceName, 0)

	return func() {
		cancel()
		if err := registry.Deregister(context.Background(), instanceID, cfg.ServiceName); err != nil {
			log.Warn(context.Background(), "consul deregistration failed", logging.Err(err))
		}
	}
}
