package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
)

const (
	defaultPingTimeout = 10 * time.Second

	measurementOutcome = "cadence_outcome"
	measurementIntent  = "cadence_intent"
	measurementTick    = "cadence_tick"
)

// Errors returned by Connect.
var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Influx writes points through the non-blocking, batching write API.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   zerolog.Logger

	mu        sync.RWMutex
	connected bool
	now       func() time.Time
}

// Connect pings the server and opens a batching writer.
func Connect(cfg config.InfluxDBConfig) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}

	// #nosec G115 -- both values are positive
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	i := &Influx{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:    logging.Component("metrics"),
		connected: true,
		now:       time.Now,
	}
	go i.drainErrors(i.writeAPI.Errors())
	return i, nil
}

func (i *Influx) drainErrors(errs <-chan error) {
	for err := range errs {
		i.logger.Warn().Err(err).Msg("influxdb write failed")
	}
}

// Outcome implements Recorder.
func (i *Influx) Outcome(experimentID, variantID string, event models.OutcomeType) {
	i.write(outcomePoint(experimentID, variantID, event, i.now()))
}

// Intent implements Recorder.
func (i *Influx) Intent(intent models.Intent, delivered bool) {
	i.write(intentPoint(intent, delivered, i.now()))
}

// Tick implements Recorder.
func (i *Influx) Tick(t TickSample) {
	i.write(tickPoint(t, i.now()))
}

func (i *Influx) write(p *write.Point) {
	i.mu.RLock()
	connected := i.connected
	i.mu.RUnlock()
	if !connected {
		return
	}
	i.writeAPI.WritePoint(p)
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() error {
	if i.client == nil {
		return nil
	}
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()

	i.writeAPI.Flush()
	i.client.Close()
	return nil
}

func outcomePoint(experimentID, variantID string, event models.OutcomeType, at time.Time) *write.Point {
	return write.NewPoint(measurementOutcome,
		map[string]string{
			"experiment_id": experimentID,
			"variant_id":    variantID,
			"event":         string(event),
		},
		map[string]interface{}{"count": 1},
		at)
}

func intentPoint(intent models.Intent, delivered bool, at time.Time) *write.Point {
	tags := map[string]string{"kind": string(intent.Kind)}
	if intent.Email != nil {
		tags["sequence_id"] = intent.Email.SequenceID
		tags["step_id"] = intent.Email.StepID
		tags["template_id"] = intent.Email.ResolvedTemplateID
		if intent.Email.ExperimentID != "" {
			tags["experiment_id"] = intent.Email.ExperimentID
			tags["variant_id"] = intent.Email.VariantID
		}
	}
	if intent.Webhook != nil {
		tags["sequence_id"] = intent.Webhook.SequenceID
		tags["step_id"] = intent.Webhook.StepID
	}
	return write.NewPoint(measurementIntent, tags,
		map[string]interface{}{"count": 1, "delivered": delivered},
		at)
}

func tickPoint(t TickSample, at time.Time) *write.Point {
	return write.NewPoint(measurementTick, nil,
		map[string]interface{}{
			"due":         t.Due,
			"advanced":    t.Advanced,
			"skipped":     t.Skipped,
			"failed":      t.Failed,
			"intents":     t.Intents,
			"duration_ms": t.Duration.Milliseconds(),
		},
		at)
}
