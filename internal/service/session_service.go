// Package service orchestrates the session lifecycle across the store, the
// inference engine, the audit log, and the event publisher.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/config"
	"github.com/rpol-recart/sam3-inference/internal/engine"
	"github.com/rpol-recart/sam3-inference/internal/events"
	"github.com/rpol-recart/sam3-inference/internal/metrics"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/repository"
	"github.com/rpol-recart/sam3-inference/internal/session"
	"github.com/rpol-recart/sam3-inference/pkg/videoprobe"
)

type SessionService struct {
	cfg    *config.Config
	store  *session.Store
	engine engine.Engine
	repo   *repository.SessionLog
	events *events.Publisher
	log    zerolog.Logger
}

func New(cfg *config.Config, store *session.Store, eng engine.Engine, repo *repository.SessionLog, pub *events.Publisher, log zerolog.Logger) *SessionService {
	return &SessionService{
		cfg:    cfg,
		store:  store,
		engine: eng,
		repo:   repo,
		events: pub,
		log:    log.With().Str("component", "session-service").Logger(),
	}
}

// Store exposes the underlying registry to the propagation layer.
func (s *SessionService) Store() *session.Store { return s.store }

// StartParams describes a session creation request. Exactly one of
// VideoPath, VideoURL, VideoBase64 must be set.
type StartParams struct {
	SessionID   string
	VideoPath   string
	VideoURL    string
	VideoBase64 string
	Devices     []string
}

// StartSession admits a session, reserves devices, then asks the engine to
// decode the video on them. Admission happens before the engine call so a
// rejected request never pins device memory; an engine failure rolls the
// reservation back.
func (s *SessionService) StartSession(ctx context.Context, p StartParams) (models.SessionRecord, error) {
	src, err := s.resolveSource(p.VideoPath, p.VideoURL, p.VideoBase64)
	if err != nil {
		return models.SessionRecord{}, err
	}

	rec, err := s.store.Create(p.SessionID, models.VideoInfo{}, p.Devices)
	if err != nil {
		return models.SessionRecord{}, err
	}

	info, err := s.engine.OpenSession(ctx, rec.ID, src, rec.AssignedDevices)
	if err != nil {
		s.store.Close(rec.ID)
		return models.SessionRecord{}, apperr.Wrap(apperr.InferenceFailure, err, "failed to open video session")
	}

	// Some worker builds omit dimensions; fall back to probing the file,
	// same as the reference server does.
	if info.Resolution.Width == 0 || info.Resolution.Height == 0 {
		if probed, perr := videoprobe.Probe(ctx, src.Path); perr == nil {
			info.Resolution = probed.Resolution
			if info.FPS == 0 {
				info.FPS = probed.FPS
			}
			if info.TotalFrames == 0 {
				info.TotalFrames = probed.TotalFrames
			}
			if info.DurationSeconds == 0 {
				info.DurationSeconds = probed.DurationSeconds
			}
		} else {
			s.log.Warn().Err(perr).Str("session_id", rec.ID).Msg("could not probe video dimensions")
		}
	}

	if err := s.store.SetVideoInfo(rec.ID, info); err != nil {
		// closed concurrently between create and now; treat as gone
		s.engine.CloseSession(ctx, rec.ID)
		return models.SessionRecord{}, err
	}

	rec, err = s.store.Get(rec.ID)
	if err != nil {
		return models.SessionRecord{}, err
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("session_id", rec.ID).Msg("audit insert failed")
	}
	s.events.SessionCreated(rec)

	s.log.Info().
		Str("session_id", rec.ID).
		Int("total_frames", rec.Video.TotalFrames).
		Int("width", rec.Video.Resolution.Width).
		Int("height", rec.Video.Resolution.Height).
		Msg("session started")
	return rec, nil
}

// PromptResult mirrors the engine's per-object output in the column layout
// the wire uses.
type PromptResult struct {
	FrameIndex int
	ObjectIDs  []int
	Masks      []string
	Boxes      [][]float64
	Scores     []float64
}

// AddPrompt seeds or refines tracking on one frame. The session is held in
// Processing for the duration so prompts serialize with propagations.
func (s *SessionService) AddPrompt(ctx context.Context, id string, frameIndex int, prompts []models.Prompt, objectID *int) (PromptResult, error) {
	if len(prompts) == 0 {
		return PromptResult{}, apperr.New(apperr.InvalidRequest, "at least one prompt is required")
	}
	for i, p := range prompts {
		if err := p.Validate(); err != nil {
			return PromptResult{}, apperr.Wrap(apperr.InvalidRequest, err, "prompt %d is invalid", i)
		}
	}

	rec, err := s.store.StartProcessing(id)
	if err != nil {
		return PromptResult{}, err
	}
	if frameIndex < 0 || (rec.Video.TotalFrames > 0 && frameIndex >= rec.Video.TotalFrames) {
		s.store.FinishProcessing(id, "")
		return PromptResult{}, apperr.New(apperr.InvalidRequest,
			"frame index %d out of range [0, %d)", frameIndex, rec.Video.TotalFrames)
	}

	objects, err := s.engine.AddPrompt(ctx, id, frameIndex, prompts, objectID)
	if err != nil {
		s.store.FinishProcessing(id, err.Error())
		if uerr := s.repo.UpdateStatus(ctx, id, models.StatusError, err.Error()); uerr != nil {
			s.log.Warn().Err(uerr).Str("session_id", id).Msg("audit update failed")
		}
		return PromptResult{}, apperr.Wrap(apperr.InferenceFailure, err, "failed to add prompt")
	}

	result := PromptResult{FrameIndex: frameIndex}
	ids := make([]int, 0, len(objects))
	for _, obj := range objects {
		ids = append(ids, obj.ID)
		result.ObjectIDs = append(result.ObjectIDs, obj.ID)
		result.Masks = append(result.Masks, obj.Mask)
		result.Boxes = append(result.Boxes, obj.Box[:])
		result.Scores = append(result.Scores, obj.Score)
	}
	if err := s.store.UpdateStats(id, ids, 0); err != nil {
		return PromptResult{}, err
	}
	s.store.FinishProcessing(id, "")
	return result, nil
}

// RemoveObject stops tracking one object. Removal serializes with
// propagation through the same Processing transition.
func (s *SessionService) RemoveObject(ctx context.Context, id string, objectID int) error {
	rec, err := s.store.StartProcessing(id)
	if err != nil {
		return err
	}
	defer s.store.FinishProcessing(id, "")

	tracked := false
	for _, obj := range rec.Objects {
		if obj == objectID {
			tracked = true
			break
		}
	}
	if !tracked {
		return apperr.New(apperr.NotFound, "object %d not tracked in session %s", objectID, id)
	}

	if err := s.engine.RemoveObject(ctx, id, objectID); err != nil {
		return apperr.Wrap(apperr.InferenceFailure, err, "failed to remove object %d", objectID)
	}
	return s.store.RemoveObject(id, objectID)
}

// Reset clears prompts and objects, moving Error back to Ready. The store
// claim comes first so a session with a propagation in flight is rejected
// before the engine state is touched.
func (s *SessionService) Reset(ctx context.Context, id string) (int, error) {
	prior, err := s.store.StartReset(id)
	if err != nil {
		return 0, err
	}
	if err := s.engine.Reset(ctx, id); err != nil {
		s.store.FinishProcessing(id, prior.ErrorDetail)
		return 0, apperr.Wrap(apperr.InferenceFailure, err, "failed to reset session")
	}
	cleared, err := s.store.FinishReset(id)
	if err != nil {
		return 0, err
	}
	if uerr := s.repo.UpdateStatus(ctx, id, models.StatusReady, ""); uerr != nil {
		s.log.Warn().Err(uerr).Str("session_id", id).Msg("audit update failed")
	}
	return cleared, nil
}

// CloseResult reports what releasing a session freed.
type CloseResult struct {
	DevicesReleased int
	MemoryFreedMB   float64
}

// CloseSession releases the session regardless of its current state. Device
// return does not depend on the engine shutdown succeeding.
func (s *SessionService) CloseSession(ctx context.Context, id string) (CloseResult, error) {
	if err := s.store.Touch(id); err != nil {
		return CloseResult{}, err
	}

	memory, err := s.engine.MemoryUsageMB(ctx, id)
	if err != nil {
		memory = 0
	}
	if err := s.engine.CloseSession(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("engine close failed, releasing devices anyway")
	}

	devices, err := s.store.Close(id)
	if err != nil {
		return CloseResult{}, err
	}

	if uerr := s.repo.MarkClosed(ctx, id); uerr != nil {
		s.log.Warn().Err(uerr).Str("session_id", id).Msg("audit close failed")
	}
	s.events.SessionClosed(id, devices)
	return CloseResult{DevicesReleased: len(devices), MemoryFreedMB: memory}, nil
}

// StatusResult augments the stored record with live engine memory usage.
type StatusResult struct {
	Record          models.SessionRecord
	GPUMemoryUsedMB float64
}

// Status reads the current snapshot plus device memory, best effort.
func (s *SessionService) Status(ctx context.Context, id string) (StatusResult, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return StatusResult{}, err
	}
	memory, merr := s.engine.MemoryUsageMB(ctx, id)
	if merr != nil {
		memory = 0
	}
	return StatusResult{Record: rec, GPUMemoryUsedMB: memory}, nil
}

// List snapshots all non-closed sessions.
func (s *SessionService) List() []models.SessionRecord {
	return s.store.List()
}

// ReapExpired closes every session idle past the configured timeout. The
// store removes each one only after rechecking that it is still idle, so a
// propagation that started between the scan and the removal is never reaped.
func (s *SessionService) ReapExpired(ctx context.Context) int {
	reaped := 0
	for _, id := range s.store.ExpiredIDs() {
		devices, err := s.store.ExpireSession(id)
		if err != nil {
			// lost a race with an explicit close or a fresh request
			if !apperr.IsKind(err, apperr.NotFound) && !apperr.IsKind(err, apperr.SessionBusy) {
				s.log.Warn().Err(err).Str("session_id", id).Msg("failed to reap session")
			}
			continue
		}
		if cerr := s.engine.CloseSession(ctx, id); cerr != nil {
			s.log.Warn().Err(cerr).Str("session_id", id).Msg("engine close failed for expired session")
		}
		if uerr := s.repo.MarkClosed(ctx, id); uerr != nil {
			s.log.Warn().Err(uerr).Str("session_id", id).Msg("audit close failed")
		}
		s.events.SessionClosed(id, devices)
		s.log.Info().Str("session_id", id).Msg("session expired and reclaimed")
		metrics.SessionsReaped.Inc()
		reaped++
	}
	return reaped
}

// Shutdown closes every remaining session. Called once on process exit.
func (s *SessionService) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, rec := range s.store.List() {
		if _, err := s.CloseSession(ctx, rec.ID); err != nil && !apperr.IsKind(err, apperr.NotFound) {
			s.log.Warn().Err(err).Str("session_id", rec.ID).Msg("failed to close session on shutdown")
		}
	}
}
