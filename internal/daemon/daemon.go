// Package daemon runs the long-lived Cadence process: the scheduler tick
// loop, the outcome consumer and the admin gRPC service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/dispatch"
	"github.com/opencode-ai/cadence/internal/metrics"
	"github.com/opencode-ai/cadence/internal/mqtt"
	"github.com/opencode-ai/cadence/internal/outcomes"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

// DefaultPort is the admin gRPC port.
const DefaultPort = 7450

// Options configure the daemon runtime.
type Options struct {
	Hostname string
	Port     int
	Version  string

	// Listener, when set, is served instead of listening on Hostname:Port.
	Listener net.Listener

	// Sink receives intents in addition to the log and MQTT sinks.
	Sink dispatch.Sink
}

// Daemon owns the scheduler, the outcome consumer and the admin server.
type Daemon struct {
	cfg      *config.Config
	logger   zerolog.Logger
	opts     Options
	services *Services

	scheduler *scheduler.Scheduler
	consumer  *outcomes.Consumer
	limiter   *RateLimiter
	broker    *mqtt.Client
	influx    *metrics.Influx

	server     *Server
	grpcServer *grpc.Server
}

// New constructs a daemon. Enabled MQTT and InfluxDB integrations are
// connected here so configuration problems surface before serving.
func New(cfg *config.Config, services *Services, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if services == nil {
		return nil, errors.New("services are required")
	}
	if opts.Hostname == "" {
		opts.Hostname = cfg.Daemon.Host
	}
	if opts.Hostname == "" {
		opts.Hostname = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = cfg.Daemon.Port
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	d := &Daemon{cfg: cfg, logger: logger, opts: opts, services: services}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.InfluxDB.Enabled {
		influx, err := metrics.Connect(cfg.InfluxDB)
		if err != nil {
			return nil, err
		}
		d.influx = influx
		recorder = influx
	}

	sinks := dispatch.Multi{dispatch.NewLog()}
	if cfg.MQTT.Enabled {
		broker, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			d.closeIntegrations()
			return nil, err
		}
		d.broker = broker
		sinks = append(sinks, dispatch.NewMQTT(broker, broker.Topics(), broker.QoS()))
	}
	if opts.Sink != nil {
		sinks = append(sinks, opts.Sink)
	}

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.TickInterval > 0 {
		schedCfg.TickInterval = cfg.Scheduler.TickInterval
	}
	if cfg.Scheduler.AdvanceTimeout > 0 {
		schedCfg.AdvanceTimeout = cfg.Scheduler.AdvanceTimeout
	}
	if cfg.Scheduler.MaxConcurrent > 0 {
		schedCfg.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	}
	if cfg.Scheduler.BatchSize > 0 {
		schedCfg.BatchSize = cfg.Scheduler.BatchSize
	}
	d.scheduler = scheduler.New(schedCfg, services.Engine, sinks, recorder, services.Clock)
	d.consumer = outcomes.New(outcomes.DefaultConfig(), services.Ledger, services.Engine, services.Experiments, recorder, services.Clock)

	d.limiter = NewRateLimiter(WithEnabled(cfg.Daemon.RateLimit))
	d.server = NewServer(services, d.scheduler, d.consumer, logger,
		WithVersion(opts.Version),
		WithHostname(opts.Hostname),
		WithRateLimiter(d.limiter),
	)
	if d.broker != nil {
		d.server.RegisterHealthCheck("mqtt", d.broker.HealthCheck)
	}

	d.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(d.limiter.UnaryServerInterceptor()))
	RegisterAdminServer(d.grpcServer, d.server)
	return d, nil
}

// Run serves until ctx is canceled, then drains the scheduler and the
// outcome queue before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	listener := d.opts.Listener
	if listener == nil {
		bindAddr := d.bindAddr()
		l, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
		}
		listener = l
	}

	if err := d.scheduler.Start(ctx); err != nil {
		_ = listener.Close()
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		if err := d.consumer.Run(consumerCtx); err != nil {
			d.logger.Error().Err(err).Msg("outcome consumer stopped")
		}
	}()

	if d.broker != nil {
		topic := d.broker.Topics().Outcomes()
		if err := d.broker.Subscribe(topic, d.broker.QoS(), d.consumer.HandleMessage); err != nil {
			d.logger.Error().Err(err).Str("topic", topic).Msg("outcome subscription failed")
		}
	}

	d.logger.Info().
		Str("bind", listener.Addr().String()).
		Str("version", d.opts.Version).
		Msg("cadence daemon starting")

	errCh := make(chan error, 1)
	go func() {
		if err := d.grpcServer.Serve(listener); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("cadence daemon shutting down...")
		d.grpcServer.GracefulStop()
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("gRPC server error: %w", err)
		}
	}

	if d.broker != nil {
		if err := d.broker.Unsubscribe(d.broker.Topics().Outcomes()); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			d.logger.Warn().Err(err).Msg("outcome unsubscribe failed")
		}
	}
	if err := d.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		d.logger.Warn().Err(err).Msg("scheduler stop failed")
	}
	stopConsumer()
	consumerWG.Wait()
	d.closeIntegrations()

	d.logger.Info().Msg("cadence daemon shutdown complete")
	return runErr
}

func (d *Daemon) closeIntegrations() {
	if d.broker != nil {
		_ = d.broker.Close()
	}
	if d.influx != nil {
		_ = d.influx.Close()
	}
}

func (d *Daemon) bindAddr() string {
	return net.JoinHostPort(d.opts.Hostname, strconv.Itoa(d.opts.Port))
}

// Server returns the admin service implementation.
func (d *Daemon) Server() *Server {
	return d.server
}

// Scheduler returns the tick loop.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}
