package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/outcomes"
	"github.com/opencode-ai/cadence/internal/scheduler"
	"github.com/opencode-ai/cadence/internal/sequences"
	"github.com/opencode-ai/cadence/internal/templates"
)

// Server implements the admin service over the shared services.
type Server struct {
	services  *Services
	scheduler *scheduler.Scheduler
	consumer  *outcomes.Consumer
	logger    zerolog.Logger

	version   string
	startedAt time.Time
	hostname  string

	// health reports on optional integrations, keyed by name.
	healthMu sync.RWMutex
	health   map[string]func(context.Context) error

	limiter *RateLimiter

	handlers map[string]func(context.Context, *structpb.Struct) (any, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersion sets the version reported by Status and Ping.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithHostname sets the hostname reported by Status.
func WithHostname(hostname string) ServerOption {
	return func(s *Server) {
		s.hostname = hostname
	}
}

// WithRateLimiter exposes limiter statistics through Status.
func WithRateLimiter(limiter *RateLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// NewServer creates the admin service implementation.
func NewServer(services *Services, sched *scheduler.Scheduler, consumer *outcomes.Consumer, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		services:  services,
		scheduler: sched,
		consumer:  consumer,
		logger:    logger,
		startedAt: services.Clock.Now(),
		health:    make(map[string]func(context.Context) error),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health["database"] = services.DB.HealthCheck

	s.handlers = map[string]func(context.Context, *structpb.Struct) (any, error){
		MethodPing:   s.ping,
		MethodStatus: s.status,
		MethodTick:   s.tick,

		MethodCreateSequence:        s.createSequence,
		MethodCreateSequenceVersion: s.createSequenceVersion,
		MethodGetSequence:           s.getSequence,
		MethodListSequences:         s.listSequences,
		MethodSetSequenceStatus:     s.setSequenceStatus,

		MethodRegisterTemplate:   s.registerTemplate,
		MethodGetTemplate:        s.getTemplate,
		MethodListTemplates:      s.listTemplates,
		MethodRenderTemplate:     s.renderTemplate,
		MethodGetTemplateForUser: s.getTemplateForUser,
		MethodCreateTemplateTest: s.createTemplateTest,

		MethodEnrollLead:        s.enrollLead,
		MethodGetEnrollment:     s.getEnrollment,
		MethodListEnrollments:   s.listEnrollments,
		MethodAdvanceEnrollment: s.advanceEnrollment,
		MethodStopEnrollment:    s.stopEnrollment,

		MethodCreateExperiment:     s.createExperiment,
		MethodStartExperiment:      s.transitionExperiment(s.services.Experiments.StartTest),
		MethodPauseExperiment:      s.transitionExperiment(s.services.Experiments.PauseTest),
		MethodResumeExperiment:     s.transitionExperiment(s.services.Experiments.ResumeTest),
		MethodCompleteExperiment:   s.transitionExperiment(s.services.Experiments.CompleteTest),
		MethodGetExperimentResults: s.experimentResults,
		MethodListExperiments:      s.listExperiments,
		MethodAssignVariant:        s.assignVariant,

		MethodRecordOutcome: s.recordOutcome,
	}
	return s
}

// RegisterHealthCheck adds a named integration to Status.
func (s *Server) RegisterHealthCheck(name string, check func(context.Context) error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health[name] = check
}

// Handle implements AdminServer.
func (s *Server) Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug().Err(err).Str("method", method).Msg("admin call failed")
		return nil, toStatus(err)
	}
	out, err := encodeStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// =============================================================================
// Requests
// =============================================================================

type idRequest struct {
	ID string `json:"id"`
}

type sequenceRequest struct {
	PreviousID string           `json:"previous_id,omitempty"`
	Sequence   *models.Sequence `json:"sequence,omitempty"`

	// Definition is a YAML sequence document, used when Sequence is unset.
	Definition string `json:"definition,omitempty"`
}

type listSequencesRequest struct {
	Status     string `json:"status,omitempty"`
	LineageID  string `json:"lineage_id,omitempty"`
	LatestOnly bool   `json:"latest_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type statusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type templateRequest struct {
	Template *models.Template `json:"template"`
}

type listTemplatesRequest struct {
	Tag    string `json:"tag,omitempty"`
	BaseID string `json:"base_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type renderRequest struct {
	ID        string            `json:"id"`
	Variables map[string]string `json:"variables,omitempty"`
}

type templateForUserRequest struct {
	TemplateID string `json:"template_id"`
	EntityKey  string `json:"entity_key"`
	SequenceID string `json:"sequence_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
}

type templateVariant struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Weight     int              `json:"weight"`
	IsControl  bool             `json:"is_control,omitempty"`
	TemplateID string           `json:"template_id,omitempty"`
	Template   *models.Template `json:"template,omitempty"`
}

type templateTestRequest struct {
	BaseTemplateID    string            `json:"base_template_id"`
	Name              string            `json:"name,omitempty"`
	PrimaryMetric     models.Metric     `json:"primary_metric,omitempty"`
	TrafficAllocation *int              `json:"traffic_allocation,omitempty"`
	Variants          []templateVariant `json:"variants"`
}

type enrollRequest struct {
	SequenceID string       `json:"sequence_id"`
	Lead       *models.Lead `json:"lead"`
}

type listEnrollmentsRequest struct {
	LeadID     string `json:"lead_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	LineageID  string `json:"lineage_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type stopRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type experimentRequest struct {
	Name              string           `json:"name"`
	TemplateID        string           `json:"template_id,omitempty"`
	SequenceID        string           `json:"sequence_id,omitempty"`
	StepID            string           `json:"step_id,omitempty"`
	PrimaryMetric     models.Metric    `json:"primary_metric,omitempty"`
	TrafficAllocation *int             `json:"traffic_allocation,omitempty"`
	Variants          []models.Variant `json:"variants"`
}

type listExperimentsRequest struct {
	Status     string `json:"status,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type assignRequest struct {
	ExperimentID string `json:"experiment_id"`
	EntityKey    string `json:"entity_key"`
}

type outcomeRequest struct {
	Event *models.OutcomeEvent `json:"event"`

	// Async queues the event instead of applying it before returning.
	Async bool `json:"async,omitempty"`
}

func requireField(name, value string) error {
	if value == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return nil
}

// =============================================================================
// Daemon
// =============================================================================

// StatusResponse is returned by Status.
type StatusResponse struct {
	Version   string                    `json:"version"`
	Hostname  string                    `json:"hostname,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Uptime    string                    `json:"uptime"`
	Scheduler *scheduler.SchedulerStats `json:"scheduler,omitempty"`
	Health    map[string]string         `json:"health"`
	RateLimit []MethodStats             `json:"rate_limit,omitempty"`
}

func (s *Server) ping(ctx context.Context, _ *structpb.Struct) (any, error) {
	return map[string]any{"version": s.version, "time": s.services.Clock.Now()}, nil
}

func (s *Server) status(ctx context.Context, _ *structpb.Struct) (any, error) {
	resp := &StatusResponse{
		Version:   s.version,
		Hostname:  s.hostname,
		StartedAt: s.startedAt,
		Uptime:    s.services.Clock.Now().Sub(s.startedAt).Round(time.Second).String(),
		Health:    make(map[string]string),
	}
	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		resp.Scheduler = &stats
	}

	s.healthMu.RLock()
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			resp.Health[name] = err.Error()
		} else {
			resp.Health[name] = "ok"
		}
	}
	s.healthMu.RUnlock()

	if s.limiter != nil && s.limiter.IsEnabled() {
		resp.RateLimit = s.limiter.Stats()
	}
	return resp, nil
}

func (s *Server) tick(ctx context.Context, _ *structpb.Struct) (any, error) {
	if s.scheduler == nil {
		return nil, status.Error(codes.Unavailable, "scheduler not configured")
	}
	return s.scheduler.Tick(ctx)
}

// =============================================================================
// Sequences
// =============================================================================

func (s *Server) sequenceFrom(req *sequenceRequest) (*models.Sequence, error) {
	if req.Sequence != nil {
		return req.Sequence, nil
	}
	if req.Definition == "" {
		return nil, status.Error(codes.InvalidArgument, "sequence or definition is required")
	}
	def, err := sequences.ParseDefinition([]byte(req.Definition))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse definition: %v", err)
	}
	seq, err := def.ToSequence()
	if err != nil {
		return nil, &models.InvalidSequenceError{Reason: err.Error()}
	}
	return seq, nil
}

func (s *Server) createSequence(ctx context.Context, in *structpb.Struct) (any, error) {
	var req sequenceRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	seq, err := s.sequenceFrom(&req)
	if err != nil {
		return nil, err
	}
	created, err := s.services.Sequences.Create(ctx, seq)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence": created}, nil
}

func (s *Server) createSequenceVersion(ctx context.Context, in *structpb.Struct) (any, error) {
	var req sequenceRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("previous_id", req.PreviousID); err != nil {
		return nil, err
	}
	seq, err := s.sequenceFrom(&req)
	if err != nil {
		return nil, err
	}
	created, err := s.services.Sequences.CreateVersion(ctx, req.PreviousID, seq)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence": created}, nil
}

func (s *Server) getSequence(ctx context.Context, in *structpb.Struct) (any, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	seq, err := s.services.Sequences.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence": seq}, nil
}

func (s *Server) listSequences(ctx context.Context, in *structpb.Struct) (any, error) {
	var req listSequencesRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	q := db.SequenceQuery{LineageID: req.LineageID, LatestOnly: req.LatestOnly, Limit: req.Limit}
	if req.Status != "" {
		st := models.SequenceStatus(req.Status)
		if !st.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown sequence status %q", req.Status)
		}
		q.Status = &st
	}
	list, err := s.services.Sequences.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequences": nonNil(list)}, nil
}

func (s *Server) setSequenceStatus(ctx context.Context, in *structpb.Struct) (any, error) {
	var req statusRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	seq, err := s.services.Sequences.SetStatus(ctx, req.ID, models.SequenceStatus(req.Status))
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence": seq}, nil
}

// =============================================================================
// Templates
// =============================================================================

func (s *Server) registerTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var req templateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Template == nil {
		return nil, status.Error(codes.InvalidArgument, "template is required")
	}
	if err := requireField("template.id", req.Template.ID); err != nil {
		return nil, err
	}
	if err := s.services.Templates.Register(ctx, req.Template); err != nil {
		return nil, err
	}
	tmpl, err := s.services.Templates.GetTemplate(ctx, req.Template.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"template": tmpl}, nil
}

func (s *Server) getTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	tmpl, err := s.services.Templates.GetTemplate(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"template": tmpl}, nil
}

func (s *Server) listTemplates(ctx context.Context, in *structpb.Struct) (any, error) {
	var req listTemplatesRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	list, err := s.services.Templates.List(ctx, db.TemplateQuery{Tag: req.Tag, BaseID: req.BaseID, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": nonNil(list)}, nil
}

func (s *Server) renderTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var req renderRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	tmpl, err := s.services.Templates.GetTemplate(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	rendered, err := templates.RenderTemplate(tmpl, req.Variables)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "render %s: %v", req.ID, err)
	}
	return rendered, nil
}

func (s *Server) getTemplateForUser(ctx context.Context, in *structpb.Struct) (any, error) {
	var req templateForUserRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("template_id", req.TemplateID); err != nil {
		return nil, err
	}
	if err := requireField("entity_key", req.EntityKey); err != nil {
		return nil, err
	}

	scope := experiments.Scope{SequenceID: req.SequenceID, StepID: req.StepID}
	if req.SequenceID != "" {
		seq, err := s.services.Sequences.Get(ctx, req.SequenceID)
		if err != nil {
			return nil, err
		}
		scope.LineageID = seq.LineageID
	}
	res, err := s.services.Templates.GetTemplateForUser(ctx, req.TemplateID, req.EntityKey, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"template":      res.Template,
		"experiment_id": res.ExperimentID,
		"variant_id":    res.VariantID,
	}, nil
}

func (s *Server) createTemplateTest(ctx context.Context, in *structpb.Struct) (any, error) {
	var req templateTestRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("base_template_id", req.BaseTemplateID); err != nil {
		return nil, err
	}
	specs := make([]templates.VariantSpec, 0, len(req.Variants))
	for _, v := range req.Variants {
		specs = append(specs, templates.VariantSpec{
			ID:         v.ID,
			Name:       v.Name,
			Weight:     v.Weight,
			IsControl:  v.IsControl,
			TemplateID: v.TemplateID,
			Template:   v.Template,
		})
	}
	exp, err := s.services.Templates.CreateTemplateTest(ctx, req.BaseTemplateID, specs, experiments.Options{
		Name:              req.Name,
		PrimaryMetric:     req.PrimaryMetric,
		TrafficAllocation: req.TrafficAllocation,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"experiment": exp}, nil
}

// =============================================================================
// Enrollments
// =============================================================================

func (s *Server) enrollLead(ctx context.Context, in *structpb.Struct) (any, error) {
	var req enrollRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("sequence_id", req.SequenceID); err != nil {
		return nil, err
	}
	if req.Lead == nil {
		return nil, status.Error(codes.InvalidArgument, "lead is required")
	}
	enr, err := s.services.Engine.EnrollLead(ctx, req.Lead, req.SequenceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"enrollment": enr}, nil
}

func (s *Server) getEnrollment(ctx context.Context, in *structpb.Struct) (any, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	enr, err := s.services.Engine.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"enrollment": enr}, nil
}

func (s *Server) listEnrollments(ctx context.Context, in *structpb.Struct) (any, error) {
	var req listEnrollmentsRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	q := db.EnrollmentQuery{
		LeadID:     req.LeadID,
		SequenceID: req.SequenceID,
		LineageID:  req.LineageID,
		Limit:      req.Limit,
	}
	if req.Status != "" {
		st := models.EnrollmentStatus(req.Status)
		q.Status = &st
	}
	list, err := s.services.Engine.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"enrollments": nonNil(list)}, nil
}

func (s *Server) advanceEnrollment(ctx context.Context, in *structpb.Struct) (any, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	if _, err := s.services.Engine.Get(ctx, req.ID); err != nil {
		return nil, err
	}
	if s.scheduler == nil {
		return nil, status.Error(codes.Unavailable, "scheduler not configured")
	}

	event := s.scheduler.Advance(ctx, req.ID)
	enr, err := s.services.Engine.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": event, "enrollment": enr}, nil
}

func (s *Server) stopEnrollment(ctx context.Context, in *structpb.Struct) (any, error) {
	var req stopRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	enr, err := s.services.Engine.Stop(ctx, req.ID, req.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"enrollment": enr}, nil
}

// =============================================================================
// Experiments
// =============================================================================

func (s *Server) createExperiment(ctx context.Context, in *structpb.Struct) (any, error) {
	var req experimentRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	exp, err := s.services.Experiments.CreateTest(ctx, experiments.CreateTestRequest{
		Options: experiments.Options{
			Name:              req.Name,
			PrimaryMetric:     req.PrimaryMetric,
			TrafficAllocation: req.TrafficAllocation,
		},
		TemplateID: req.TemplateID,
		SequenceID: req.SequenceID,
		StepID:     req.StepID,
		Variants:   req.Variants,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"experiment": exp}, nil
}

func (s *Server) transitionExperiment(fn func(context.Context, string) (*models.Experiment, error)) func(context.Context, *structpb.Struct) (any, error) {
	return func(ctx context.Context, in *structpb.Struct) (any, error) {
		var req idRequest
		if err := decodeStruct(in, &req); err != nil {
			return nil, err
		}
		if err := requireField("id", req.ID); err != nil {
			return nil, err
		}
		exp, err := fn(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"experiment": exp}, nil
	}
}

func (s *Server) experimentResults(ctx context.Context, in *structpb.Struct) (any, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("id", req.ID); err != nil {
		return nil, err
	}
	return s.services.Experiments.GetResults(ctx, req.ID)
}

func (s *Server) listExperiments(ctx context.Context, in *structpb.Struct) (any, error) {
	var req listExperimentsRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	q := db.ExperimentQuery{TemplateID: req.TemplateID, SequenceID: req.SequenceID, Limit: req.Limit}
	if req.Status != "" {
		st := models.ExperimentStatus(req.Status)
		q.Status = &st
	}
	list, err := s.services.Experiments.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"experiments": nonNil(list)}, nil
}

func (s *Server) assignVariant(ctx context.Context, in *structpb.Struct) (any, error) {
	var req assignRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := requireField("experiment_id", req.ExperimentID); err != nil {
		return nil, err
	}
	if err := requireField("entity_key", req.EntityKey); err != nil {
		return nil, err
	}
	variant, err := s.services.Experiments.Assign(ctx, req.ExperimentID, req.EntityKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"variant": variant}, nil
}

// =============================================================================
// Outcomes
// =============================================================================

func (s *Server) recordOutcome(ctx context.Context, in *structpb.Struct) (any, error) {
	var req outcomeRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Event == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}
	if s.consumer == nil {
		return nil, status.Error(codes.Unavailable, "outcome consumer not configured")
	}
	req.Event.EnsureID()
	if req.Async {
		if err := req.Event.Validate(); err != nil {
			return nil, err
		}
		if err := s.consumer.Submit(req.Event); err != nil {
			return nil, err
		}
		return map[string]any{"event_id": req.Event.ID, "queued": true}, nil
	}
	result, err := s.consumer.Handle(ctx, req.Event)
	if err != nil {
		return nil, fmt.Errorf("record outcome %s: %w", req.Event.ID, err)
	}
	return result, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
