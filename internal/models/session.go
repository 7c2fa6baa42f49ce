package models

import "time"

// SessionStatus is the lifecycle state of a video inference session.
type SessionStatus string

const (
	StatusReady      SessionStatus = "ready"
	StatusProcessing SessionStatus = "processing"
	StatusError      SessionStatus = "error"
	StatusClosed     SessionStatus = "closed"
)

// Resolution holds the pixel dimensions of the session's video.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VideoInfo is the immutable metadata of the video bound to a session.
type VideoInfo struct {
	TotalFrames     int        `json:"total_frames"`
	FPS             float64    `json:"fps"`
	Resolution      Resolution `json:"resolution"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// SessionRecord is a point-in-time snapshot of one tracking session as held
// by the store. Objects is sorted ascending; AssignedDevices keeps the
// reservation order from creation time.
type SessionRecord struct {
	ID              string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Video           VideoInfo     `json:"video_info"`
	Objects         []int         `json:"objects"`
	FramesProcessed int           `json:"frames_processed"`
	CreatedAt       time.Time     `json:"created_at"`
	LastAccessedAt  time.Time     `json:"last_accessed_at"`
	AssignedDevices []string      `json:"assigned_devices"`
	ErrorDetail     string        `json:"error,omitempty"`
}
