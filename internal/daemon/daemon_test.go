package daemon

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/dispatch"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/outcomes"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

const welcomeDefinition = `
name: welcome
status: active
settings:
  stop_on_reply: true
steps:
  - id: hello
    type: email
    template: welcome
  - id: pause
    type: wait
    duration: 2d
  - id: followup
    type: email
    template: followup
`

func newServices(t *testing.T) *Services {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(ctx))

	// Monday, inside any sending window.
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	services, err := NewServices(database, config.Default(), clk)
	require.NoError(t, err)
	_, err = services.ImportBuiltinTemplates(ctx)
	require.NoError(t, err)
	return services
}

type running struct {
	client *Client
	sink   *dispatch.Memory
	daemon *Daemon
}

func startDaemon(t *testing.T, services *Services) *running {
	t.Helper()

	cfg := config.Default()
	cfg.Scheduler.TickInterval = time.Hour

	listener := bufconn.Listen(1 << 20)
	sink := dispatch.NewMemory()
	d, err := New(cfg, services, zerolog.Nop(), Options{Version: "test", Listener: listener, Sink: sink})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after context cancellation")
		}
	})
	return &running{client: client, sink: sink, daemon: d}
}

func TestNewDefaultsBindAddress(t *testing.T) {
	d, err := New(config.Default(), newServices(t), zerolog.Nop(), Options{})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", DefaultPort), d.bindAddr())

	d, err = New(config.Default(), newServices(t), zerolog.Nop(), Options{Hostname: "0.0.0.0", Port: 9000})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", d.bindAddr())
}

func TestNewRequiresConfigAndServices(t *testing.T) {
	_, err := New(nil, newServices(t), zerolog.Nop(), Options{})
	require.Error(t, err)
	_, err = New(config.Default(), nil, zerolog.Nop(), Options{})
	require.Error(t, err)
}

func TestAdminLifecycle(t *testing.T) {
	ctx := context.Background()
	rt := startDaemon(t, newServices(t))

	var created struct {
		Sequence *models.Sequence `json:"sequence"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodCreateSequence, map[string]any{"definition": welcomeDefinition}, &created))
	require.NotEmpty(t, created.Sequence.ID)
	require.Equal(t, models.SequenceStatusActive, created.Sequence.Status)
	require.Len(t, created.Sequence.Steps, 3)

	lead := &models.Lead{ID: "lead-1", Email: "ada@example.com"}
	var enrolled struct {
		Enrollment *models.Enrollment `json:"enrollment"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodEnrollLead, map[string]any{
		"sequence_id": created.Sequence.ID,
		"lead":        lead,
	}, &enrolled))
	require.Equal(t, models.EnrollmentStatusActive, enrolled.Enrollment.Status)

	err := rt.client.Call(ctx, MethodEnrollLead, map[string]any{"sequence_id": created.Sequence.ID, "lead": lead}, nil)
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	var tick scheduler.TickResult
	require.NoError(t, rt.client.Call(ctx, MethodTick, nil, &tick))
	require.Equal(t, 1, tick.Due)
	require.Equal(t, 1, tick.Advanced)
	require.Len(t, tick.Intents, 1)
	require.Equal(t, "welcome", tick.Intents[0].Email.ResolvedTemplateID)

	require.Eventually(t, func() bool { return len(rt.sink.Intents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var result outcomes.Result
	require.NoError(t, rt.client.Call(ctx, MethodRecordOutcome, map[string]any{
		"event": models.OutcomeEvent{
			EntityKey: lead.ID,
			LeadID:    lead.ID,
			Event:     models.OutcomeReply,
		},
	}, &result))
	require.NotEmpty(t, result.EventID, "events without an id get one")
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 1, result.Stopped)

	var got struct {
		Enrollment *models.Enrollment `json:"enrollment"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodGetEnrollment, map[string]any{"id": enrolled.Enrollment.ID}, &got))
	require.Equal(t, models.EnrollmentStatusStopped, got.Enrollment.Status)
	require.Equal(t, models.StopReasonReply, got.Enrollment.StopReason)

	var listed struct {
		Enrollments []*models.Enrollment `json:"enrollments"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodListEnrollments, map[string]any{"lead_id": lead.ID}, &listed))
	require.Len(t, listed.Enrollments, 1)

	st, err := rt.client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", st.Version)
	require.NotNil(t, st.Scheduler)
	require.True(t, st.Scheduler.Running)
	require.EqualValues(t, 1, st.Scheduler.Advanced)
	require.Equal(t, "ok", st.Health["database"])
}

func TestAdminErrorCodes(t *testing.T) {
	ctx := context.Background()
	rt := startDaemon(t, newServices(t))

	tests := []struct {
		name   string
		method string
		req    any
		code   codes.Code
	}{
		{"missing id", MethodGetSequence, nil, codes.InvalidArgument},
		{"unknown sequence", MethodGetSequence, map[string]any{"id": "nope"}, codes.NotFound},
		{"unknown template", MethodGetTemplate, map[string]any{"id": "nope"}, codes.NotFound},
		{"unknown enrollment", MethodStopEnrollment, map[string]any{"id": "nope"}, codes.NotFound},
		{"unknown experiment", MethodGetExperimentResults, map[string]any{"id": "nope"}, codes.NotFound},
		{"bad definition", MethodCreateSequence, map[string]any{"definition": "name: broken\nsteps: []\n"}, codes.InvalidArgument},
		{"bad status filter", MethodListSequences, map[string]any{"status": "sleeping"}, codes.InvalidArgument},
		{"bad experiment", MethodCreateExperiment, map[string]any{"name": "x", "template_id": "welcome"}, codes.InvalidArgument},
		{"invalid outcome", MethodRecordOutcome, map[string]any{"event": map[string]any{"event": "reply"}}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.client.Call(ctx, tt.method, tt.req, nil)
			require.Equal(t, tt.code, status.Code(err), "err = %v", err)
		})
	}
}

func TestAdminTemplateTest(t *testing.T) {
	ctx := context.Background()
	rt := startDaemon(t, newServices(t))

	var created struct {
		Experiment *models.Experiment `json:"experiment"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodCreateTemplateTest, map[string]any{
		"base_template_id": "welcome",
		"primary_metric":   models.MetricOpenRate,
		"variants": []map[string]any{
			{"id": "control", "weight": 0, "is_control": true},
			{"id": "short", "weight": 100, "template": map[string]any{"body": "Hi {{.first_name}}"}},
		},
	}, &created))
	require.Equal(t, models.ExperimentStatusDraft, created.Experiment.Status)

	require.NoError(t, rt.client.Call(ctx, MethodStartExperiment, map[string]any{"id": created.Experiment.ID}, nil))

	var resolved struct {
		Template     *models.Template `json:"template"`
		ExperimentID string           `json:"experiment_id"`
		VariantID    string           `json:"variant_id"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodGetTemplateForUser, map[string]any{
		"template_id": "welcome",
		"entity_key":  "lead-9",
	}, &resolved))
	require.Equal(t, created.Experiment.ID, resolved.ExperimentID)
	require.Equal(t, "short", resolved.VariantID)
	require.Equal(t, "welcome--short", resolved.Template.ID)

	var rendered struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	require.NoError(t, rt.client.Call(ctx, MethodRenderTemplate, map[string]any{
		"id":        "welcome--short",
		"variables": map[string]string{"first_name": "Ada"},
	}, &rendered))
	require.Equal(t, "Hi Ada", rendered.Body)

	var results models.ExperimentResults
	require.NoError(t, rt.client.Call(ctx, MethodGetExperimentResults, map[string]any{"id": created.Experiment.ID}, &results))
	require.Len(t, results.Variants, 2)

	err := rt.client.Call(ctx, MethodStartExperiment, map[string]any{"id": created.Experiment.ID}, nil)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHandleUnknownMethod(t *testing.T) {
	services := newServices(t)
	server := NewServer(services, nil, nil, zerolog.Nop())
	_, err := server.Handle(context.Background(), "Nope", nil)
	require.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = server.Handle(context.Background(), MethodTick, nil)
	require.Equal(t, codes.Unavailable, status.Code(err))
}
