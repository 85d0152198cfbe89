package jobs

import (
	"context"

	"github.com/sisrua/geoprep/internal/domain"
)

// Step lets a job body report progress and poll for cancellation
type Step interface {
	// Checkpoint returns a non-nil error once the job must stop
	Checkpoint() error
	Progress(progress float64, message string)
}

// Preparer runs the body of one kind of prepare job
type Preparer interface {
	Prepare(ctx context.Context, req domain.PrepareRequest, step Step) (*domain.PrepareResult, error)
}

// PreparerFunc adapts a function to Preparer
type PreparerFunc func(ctx context.Context, req domain.PrepareRequest, step Step) (*domain.PrepareResult, error)

func (f PreparerFunc) Prepare(ctx context.Context, req domain.PrepareRequest, step Step) (*domain.PrepareResult, error) {
	return f(ctx, req, step)
}
