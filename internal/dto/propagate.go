package dto

import (
	"strconv"

	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
)

// PropagateRequest represents a request to track objects across frames
type PropagateRequest struct {
	Direction       string `json:"direction,omitempty"`
	StartFrameIndex int    `json:"start_frame_index"`
	MaxFrames       int    `json:"max_frames,omitempty"`
	TimeoutMS       int64  `json:"timeout_ms,omitempty"`
}

// FrameResultDTO represents one frame's tracked objects
type FrameResultDTO struct {
	FrameIndex int                   `json:"frame_index"`
	Objects    []models.ObjectResult `json:"objects"`
}

// PropagateResponse aggregates a completed batch run, keyed by frame index
type PropagateResponse struct {
	SessionID        string                    `json:"session_id"`
	Results          map[string]FrameResultDTO `json:"results"`
	TotalFrames      int                       `json:"total_frames"`
	ProcessingTimeMS int64                     `json:"processing_time_ms"`
}

// PropagateResponseFrom converts a batch result to its wire shape.
func PropagateResponseFrom(res propagate.BatchResult) PropagateResponse {
	out := PropagateResponse{
		SessionID:        res.SessionID,
		Results:          make(map[string]FrameResultDTO, len(res.Results)),
		TotalFrames:      res.TotalFrames,
		ProcessingTimeMS: res.ProcessingTimeMS,
	}
	for idx, fr := range res.Results {
		out.Results[strconv.Itoa(idx)] = FrameResultDTO{FrameIndex: fr.FrameIndex, Objects: fr.Objects}
	}
	return out
}
