package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/mqtt"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, payload: payload, qos: qos})
	return nil
}

func emailIntent() models.Intent {
	return models.Intent{Kind: models.IntentEmail, Email: &models.DispatchIntent{
		EnrollmentID:       "enr-1",
		LeadID:             "lead-1",
		ResolvedTemplateID: "welcome",
		StepID:             "welcome",
		SequenceID:         "seq-1",
		CreatedAt:          time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}}
}

func webhookIntent() models.Intent {
	return models.Intent{Kind: models.IntentWebhook, Webhook: &models.WebhookIntent{
		EnrollmentID: "enr-1",
		LeadID:       "lead-1",
		StepID:       "notify",
		SequenceID:   "seq-1",
		Webhook:      models.WebhookConfig{URL: "https://crm.example.com/hook", Method: "POST"},
	}}
}

func TestMQTTSinkRoutesByKind(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTT(pub, mqtt.Topics{Prefix: "cadence"}, 1)
	ctx := context.Background()

	require.NoError(t, sink.Dispatch(ctx, emailIntent()))
	require.NoError(t, sink.Dispatch(ctx, webhookIntent()))
	require.Error(t, sink.Dispatch(ctx, models.Intent{Kind: models.IntentEmail}))

	require.Len(t, pub.msgs, 2)
	require.Equal(t, "cadence/intents/email", pub.msgs[0].topic)
	require.Equal(t, byte(1), pub.msgs[0].qos)
	require.Equal(t, "cadence/intents/webhook", pub.msgs[1].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &body))
	require.Equal(t, "enr-1", body["enrollment_id"])
	require.Equal(t, "welcome", body["resolved_template_id"])
	require.NotContains(t, body, "experiment_id")
}

func TestMQTTSinkPropagatesPublishError(t *testing.T) {
	sink := NewMQTT(&fakePublisher{err: mqtt.ErrNotConnected}, mqtt.Topics{}, 0)
	err := sink.Dispatch(context.Background(), emailIntent())
	require.ErrorIs(t, err, mqtt.ErrNotConnected)
}

func TestChannelSink(t *testing.T) {
	sink := NewChannel(1)
	require.NoError(t, sink.Dispatch(context.Background(), emailIntent()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sink.Dispatch(ctx, emailIntent()), context.Canceled)

	got := <-sink.C()
	require.Equal(t, "enr-1", got.EnrollmentID())
}

func TestMultiAttemptsEverySink(t *testing.T) {
	first, last := NewMemory(), NewMemory()
	boom := errors.New("boom")
	sink := Multi{first, SinkFunc(func(context.Context, models.Intent) error { return boom }), nil, last}

	err := sink.Dispatch(context.Background(), webhookIntent())
	require.ErrorIs(t, err, boom)
	require.Len(t, first.Intents(), 1)
	require.Len(t, last.Intents(), 1)
}

func TestNoopAndLog(t *testing.T) {
	require.NoError(t, Noop{}.Dispatch(context.Background(), emailIntent()))
	require.NoError(t, NewLog().Dispatch(context.Background(), webhookIntent()))
}
