package dto

import (
	"time"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// StartSessionRequest represents request to open a tracking session
type StartSessionRequest struct {
	SessionID   string   `json:"session_id,omitempty"`
	VideoPath   string   `json:"video_path,omitempty"`
	VideoURL    string   `json:"video_url,omitempty"`
	VideoBase64 string   `json:"video_base64,omitempty"`
	Devices     []string `json:"devices,omitempty"`
}

// StartSessionResponse represents response after opening a session
type StartSessionResponse struct {
	SessionID       string   `json:"session_id"`
	Status          string   `json:"status"`
	TotalFrames     int      `json:"total_frames"`
	FPS             float64  `json:"fps"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	DurationSeconds float64  `json:"duration_seconds"`
	AssignedDevices []string `json:"assigned_devices"`
	CreatedAt       string   `json:"created_at"`
}

// AddPromptRequest represents request to seed tracking on one frame
type AddPromptRequest struct {
	FrameIndex int             `json:"frame_index"`
	Prompts    []models.Prompt `json:"prompts"`
	ObjectID   *int            `json:"obj_id,omitempty"`
}

// AddPromptResponse represents per-object results for the prompted frame
type AddPromptResponse struct {
	FrameIndex int         `json:"frame_index"`
	ObjectIDs  []int       `json:"obj_id"`
	Masks      []string    `json:"masks"`
	Boxes      [][]float64 `json:"boxes"`
	Scores     []float64   `json:"scores"`
	Status     string      `json:"status"`
}

// SessionStatusResponse represents a session snapshot
type SessionStatusResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	TotalFrames     int       `json:"total_frames"`
	FPS             float64   `json:"fps"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	ObjectsCount    int       `json:"objects_count"`
	ObjectIDs       []int     `json:"object_ids"`
	FramesProcessed int       `json:"frames_processed"`
	AssignedDevices []string  `json:"assigned_devices"`
	GPUMemoryUsedMB float64   `json:"gpu_memory_used_mb"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
}

// RemoveObjectResponse represents response after dropping an object
type RemoveObjectResponse struct {
	SessionID string `json:"session_id"`
	ObjectID  int    `json:"obj_id"`
	Status    string `json:"status"`
}

// ResetSessionResponse represents response after clearing session state
type ResetSessionResponse struct {
	SessionID      string `json:"session_id"`
	ObjectsCleared int    `json:"objects_cleared"`
	Status         string `json:"status"`
}

// CloseSessionResponse represents response after releasing a session
type CloseSessionResponse struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	DevicesReleased int     `json:"devices_released"`
	MemoryFreedMB   float64 `json:"memory_freed_mb"`
}

// SessionListResponse represents the active session inventory
type SessionListResponse struct {
	Sessions    []SessionStatusResponse `json:"sessions"`
	Count       int                     `json:"count"`
	MaxSessions int                     `json:"max_sessions"`
	DevicesFree int                     `json:"devices_free"`
}

// SessionStatusFrom builds a status DTO from a store snapshot.
func SessionStatusFrom(rec models.SessionRecord, gpuMemoryMB float64) SessionStatusResponse {
	return SessionStatusResponse{
		SessionID:       rec.ID,
		Status:          string(rec.Status),
		TotalFrames:     rec.Video.TotalFrames,
		FPS:             rec.Video.FPS,
		Width:           rec.Video.Resolution.Width,
		Height:          rec.Video.Resolution.Height,
		ObjectsCount:    len(rec.Objects),
		ObjectIDs:       rec.Objects,
		FramesProcessed: rec.FramesProcessed,
		AssignedDevices: rec.AssignedDevices,
		GPUMemoryUsedMB: gpuMemoryMB,
		ErrorDetail:     rec.ErrorDetail,
		CreatedAt:       rec.CreatedAt,
		LastAccessedAt:  rec.LastAccessedAt,
	}
}
