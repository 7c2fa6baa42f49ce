// Package propagate runs mask propagation across video frames and exposes
// the per-frame results as an iterator both batch and streaming consumers
// drain the same way.
package propagate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/engine"
	"github.com/rpol-recart/sam3-inference/internal/events"
	"github.com/rpol-recart/sam3-inference/internal/metrics"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/repository"
	"github.com/rpol-recart/sam3-inference/internal/session"
)

type Service struct {
	store  *session.Store
	engine engine.Engine
	repo   *repository.SessionLog
	events *events.Publisher
	log    zerolog.Logger
}

func NewService(store *session.Store, eng engine.Engine, repo *repository.SessionLog, pub *events.Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		engine: eng,
		repo:   repo,
		events: pub,
		log:    log.With().Str("component", "propagate").Logger(),
	}
}

// Options selects the frames a run visits.
type Options struct {
	Direction  models.Direction
	StartFrame int
	MaxFrames  int // 0 means no cap
}

// Start validates the request, moves the session to Processing and returns
// a Run positioned before the first frame. The caller must drain the Run
// (or Abort it) so the session leaves Processing.
func (s *Service) Start(id string, opts Options) (*Run, error) {
	if opts.Direction == "" {
		opts.Direction = models.DirectionForward
	}
	if !opts.Direction.Valid() {
		return nil, apperr.New(apperr.InvalidRequest, "unknown direction %q", opts.Direction)
	}
	if opts.MaxFrames < 0 {
		return nil, apperr.New(apperr.InvalidRequest, "max_frames must not be negative")
	}

	rec, err := s.store.StartProcessing(id)
	if err != nil {
		return nil, err
	}
	total := rec.Video.TotalFrames
	if opts.StartFrame < 0 || opts.StartFrame >= total {
		s.store.FinishProcessing(id, "")
		return nil, apperr.New(apperr.InvalidRequest,
			"start frame %d out of range [0, %d)", opts.StartFrame, total)
	}
	if len(rec.Objects) == 0 {
		s.store.FinishProcessing(id, "")
		return nil, apperr.New(apperr.InvalidRequest, "session has no tracked objects, add a prompt first")
	}

	return &Run{
		svc:       s,
		sessionID: id,
		direction: opts.Direction,
		order:     frameOrder(opts.Direction, opts.StartFrame, total, opts.MaxFrames),
		started:   time.Now(),
	}, nil
}

// frameOrder plans the frame visitation sequence. For "both" the backward
// leg runs first, from start-1 down to 0, then the forward leg from start;
// the start frame is visited once, by the forward leg. A max cap splits as
// floor(max/2) to the backward leg with the remainder, plus anything the
// backward leg could not spend, going forward.
func frameOrder(dir models.Direction, start, total, max int) []int {
	var order []int
	switch dir {
	case models.DirectionForward:
		for f := start; f < total; f++ {
			order = append(order, f)
		}
	case models.DirectionBackward:
		for f := start; f >= 0; f-- {
			order = append(order, f)
		}
	case models.DirectionBoth:
		backBudget := start
		if max > 0 && max/2 < backBudget {
			backBudget = max / 2
		}
		for f := start - 1; f >= start-backBudget; f-- {
			order = append(order, f)
		}
		for f := start; f < total; f++ {
			order = append(order, f)
		}
	}
	if max > 0 && len(order) > max {
		order = order[:max]
	}
	return order
}

// Run iterates the planned frames, calling the engine once per frame.
// Usage follows the rows pattern:
//
//	for run.Next(ctx) {
//	    frame := run.Frame()
//	    ...
//	}
//	if err := run.Err(); err != nil { ... }
type Run struct {
	svc       *Service
	sessionID string
	direction models.Direction
	order     []int
	started   time.Time

	pos      int
	produced int
	current  models.FrameResult
	err      error
	done     bool
}

// Next advances to the next frame. It returns false when the run is
// exhausted or failed; Err distinguishes the two. Cancellation is observed
// between frames, never mid-inference.
func (r *Run) Next(ctx context.Context) bool {
	if r.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.finish(apperr.Wrap(apperr.Timeout, err, "propagation timed out after %d frames", r.produced))
		} else {
			r.finish(apperr.Wrap(apperr.Cancelled, err, "propagation cancelled after %d frames", r.produced))
		}
		return false
	}
	if r.pos >= len(r.order) {
		r.finish(nil)
		return false
	}

	frame := r.order[r.pos]
	r.pos++

	objects, err := r.svc.engine.Infer(ctx, r.sessionID, frame)
	if err != nil {
		r.finish(apperr.Wrap(apperr.InferenceFailure, err, "inference failed on frame %d", frame))
		return false
	}
	r.produced++
	r.current = models.FrameResult{FrameIndex: frame, Objects: objects}

	if err := r.svc.store.UpdateStats(r.sessionID, nil, r.produced); err != nil {
		// session closed under us; report as a cancellation
		r.finish(apperr.Wrap(apperr.Cancelled, err, "session closed during propagation"))
		return false
	}
	metrics.FramesProcessed.Inc()
	return true
}

// Frame returns the result produced by the last successful Next.
func (r *Run) Frame() models.FrameResult { return r.current }

// Err reports why iteration stopped, nil on normal exhaustion.
func (r *Run) Err() error { return r.err }

// Produced reports how many frames yielded results so far.
func (r *Run) Produced() int { return r.produced }

// Duration reports elapsed wall-clock time since the run started.
func (r *Run) Duration() time.Duration { return time.Since(r.started) }

// Abort stops the run from the consumer side, for example when a stream
// peer disconnects. The session returns to Ready.
func (r *Run) Abort() {
	if r.done {
		return
	}
	r.finish(apperr.New(apperr.Cancelled, "propagation aborted after %d frames", r.produced))
}

// finish settles the session state exactly once. Inference failures park
// the session in Error; every other outcome returns it to Ready.
func (r *Run) finish(err error) {
	r.done = true
	r.err = err
	elapsed := time.Since(r.started)

	kind := apperr.KindOf(err)
	switch {
	case err == nil:
		r.svc.store.FinishProcessing(r.sessionID, "")
		r.svc.events.PropagationCompleted(r.sessionID, r.direction, r.produced, elapsed)
		if uerr := r.svc.repo.UpdateStatus(context.Background(), r.sessionID, models.StatusReady, ""); uerr != nil {
			r.svc.log.Warn().Err(uerr).Str("session_id", r.sessionID).Msg("audit update failed")
		}
		metrics.PropagationDuration.Observe(elapsed.Seconds())
		r.svc.log.Info().
			Str("session_id", r.sessionID).
			Str("direction", string(r.direction)).
			Int("frames", r.produced).
			Dur("elapsed", elapsed).
			Msg("propagation completed")
	case kind == apperr.InferenceFailure:
		r.svc.store.FinishProcessing(r.sessionID, err.Error())
		if uerr := r.svc.repo.UpdateStatus(context.Background(), r.sessionID, models.StatusError, err.Error()); uerr != nil {
			r.svc.log.Warn().Err(uerr).Str("session_id", r.sessionID).Msg("audit update failed")
		}
		metrics.PropagationFailures.WithLabelValues(string(kind)).Inc()
		r.svc.log.Error().Err(err).Str("session_id", r.sessionID).Msg("propagation failed")
	default:
		// timeout or cancellation: partial progress is kept, session stays usable
		r.svc.store.FinishProcessing(r.sessionID, "")
		metrics.PropagationFailures.WithLabelValues(string(kind)).Inc()
		r.svc.log.Warn().Err(err).
			Str("session_id", r.sessionID).
			Int("frames", r.produced).
			Msg("propagation stopped early")
	}
}
