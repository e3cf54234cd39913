package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/dispatch"
	"github.com/opencode-ai/cadence/internal/metrics"
	"github.com/opencode-ai/cadence/internal/mqtt"
	"github.com/opencode-ai/cadence/internal/outcomes"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

const remoteTimeout = 30 * time.Second

// localRuntime is a scheduler and outcome consumer for one-shot commands
// that run without a daemon.
type localRuntime struct {
	services  *daemon.Services
	scheduler *scheduler.Scheduler
	consumer  *outcomes.Consumer

	closers []func()
}

// openRuntime wires a scheduler over the configured database. Intents are
// logged and, when MQTT is enabled, published.
func openRuntime() (*localRuntime, error) {
	services, closeDB, err := openServices()
	if err != nil {
		return nil, err
	}
	rt := &localRuntime{services: services, closers: []func(){closeDB}}
	cfg := GetConfig()

	sinks := dispatch.Multi{dispatch.NewLog()}
	if cfg.MQTT.Enabled {
		broker, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = broker.Close() })
		sinks = append(sinks, dispatch.NewMQTT(broker, broker.Topics(), broker.QoS()))
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.InfluxDB.Enabled {
		influx, err := metrics.Connect(cfg.InfluxDB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = influx.Close() })
		recorder = influx
	}

	rt.scheduler = scheduler.New(schedulerConfig(cfg), services.Engine, sinks, recorder, services.Clock)
	rt.consumer = outcomes.New(outcomes.DefaultConfig(), services.Ledger, services.Engine, services.Experiments, recorder, services.Clock)
	return rt, nil
}

// Close releases integrations in reverse order, database last.
func (rt *localRuntime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	out := scheduler.DefaultConfig()
	if cfg.Scheduler.AdvanceTimeout > 0 {
		out.AdvanceTimeout = cfg.Scheduler.AdvanceTimeout
	}
	if cfg.Scheduler.MaxConcurrent > 0 {
		out.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	}
	if cfg.Scheduler.BatchSize > 0 {
		out.BatchSize = cfg.Scheduler.BatchSize
	}
	return out
}

// callDaemon invokes one admin method on the configured daemon.
func callDaemon(method string, req, resp any) error {
	client, err := daemon.Dial(daemonAddr())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if err := client.Call(ctx, method, req, resp); err != nil {
		return fmt.Errorf("daemon at %s: %w", daemonAddr(), err)
	}
	return nil
}
