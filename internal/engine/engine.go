// Package engine defines the boundary to the external SAM3 inference worker.
// The worker owns all tracking state per session; the core only issues
// requests and consumes per-frame results.
package engine

import (
	"context"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// Source describes where the session's video comes from. Path is a location
// the inference worker can read directly.
type Source struct {
	Path string `json:"resource_path"`
}

// Engine is the inference worker seen from the core. A single Infer call is
// atomic and may block for tens of milliseconds; cancellation is only
// honored between calls.
type Engine interface {
	// OpenSession decodes and indexes the video on the given devices and
	// returns its metadata. The session holds device memory until
	// CloseSession.
	OpenSession(ctx context.Context, sessionID string, src Source, devices []string) (models.VideoInfo, error)

	// AddPrompt seeds or refines tracking on one frame and returns the
	// resulting object set for that frame. A nil objectID starts a new
	// object.
	AddPrompt(ctx context.Context, sessionID string, frameIndex int, prompts []models.Prompt, objectID *int) ([]models.ObjectResult, error)

	// Infer produces the tracking output for a single frame, advancing the
	// worker's internal per-object state.
	Infer(ctx context.Context, sessionID string, frameIndex int) ([]models.ObjectResult, error)

	// RemoveObject stops tracking one object.
	RemoveObject(ctx context.Context, sessionID string, objectID int) error

	// Reset clears all prompts and objects, returning the session to its
	// just-opened state.
	Reset(ctx context.Context, sessionID string) error

	// CloseSession releases everything the worker holds for the session.
	CloseSession(ctx context.Context, sessionID string) error

	// MemoryUsageMB reports device memory currently pinned by the session.
	MemoryUsageMB(ctx context.Context, sessionID string) (float64, error)
}
