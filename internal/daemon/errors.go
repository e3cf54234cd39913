package daemon

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/outcomes"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

// toStatus maps domain errors to gRPC status codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var invalid *models.ValidationErrors
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, models.ErrInvalidSequenceDefinition),
		errors.Is(err, models.ErrInvalidExperimentConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrSequenceNotFound),
		errors.Is(err, models.ErrEnrollmentNotFound),
		errors.Is(err, models.ErrExperimentNotFound),
		errors.Is(err, models.ErrTemplateNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrDuplicateEnrollment):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, models.ErrEntryConditionsNotMet),
		errors.Is(err, models.ErrSequenceNotActive),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrSchedulerNotRunning),
		errors.Is(err, scheduler.ErrSchedulerPaused):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, models.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, outcomes.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
