package propagate

import (
	"context"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// BatchResult aggregates a full propagation run for request/response
// consumers.
type BatchResult struct {
	SessionID        string
	Results          map[int]models.FrameResult
	TotalFrames      int
	ProcessingTimeMS int64
}

// BatchError carries whatever frames completed before the run stopped.
type BatchError struct {
	Err     error
	Partial BatchResult
}

func (e *BatchError) Error() string { return e.Err.Error() }
func (e *BatchError) Unwrap() error { return e.Err }

// RunBatch starts a run and drains it to completion, collecting every frame.
// Deadlines are the caller's to set on ctx. On failure the returned
// BatchError still holds the frames produced before the stop.
func (s *Service) RunBatch(ctx context.Context, id string, opts Options) (BatchResult, error) {
	run, err := s.Start(id, opts)
	if err != nil {
		return BatchResult{}, err
	}

	results := make(map[int]models.FrameResult)
	for run.Next(ctx) {
		fr := run.Frame()
		results[fr.FrameIndex] = fr
	}

	out := BatchResult{
		SessionID:        id,
		Results:          results,
		TotalFrames:      run.Produced(),
		ProcessingTimeMS: run.Duration().Milliseconds(),
	}
	if err := run.Err(); err != nil {
		return BatchResult{}, &BatchError{Err: err, Partial: out}
	}
	return out, nil
}
