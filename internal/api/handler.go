package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/config"
	"github.com/rpol-recart/sam3-inference/internal/dto"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/rtc"
	"github.com/rpol-recart/sam3-inference/internal/service"
)

const version = "1.0.0"

type Handler struct {
	sessionService *service.SessionService
	propagator     *propagate.Service
	rtcHandler     *rtc.StreamHandler
	config         *config.Config
	log            zerolog.Logger
}

// Constructor for Handler
func NewHandler(sessionService *service.SessionService, propagator *propagate.Service, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		sessionService: sessionService,
		propagator:     propagator,
		rtcHandler:     rtc.NewStreamHandler(propagator, log),
		config:         cfg,
		log:            log.With().Str("component", "api").Logger(),
	}
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	store := handler.sessionService.Store()
	response := dto.HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Version:        version,
		ActiveSessions: store.Count(),
		MaxSessions:    handler.config.MaxSessions,
		DevicesFree:    store.FreeDeviceCount(),
	}
	handler.respondJSON(w, http.StatusOK, response)
}

func (handler *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req dto.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := handler.sessionService.StartSession(r.Context(), service.StartParams{
		SessionID:   req.SessionID,
		VideoPath:   req.VideoPath,
		VideoURL:    req.VideoURL,
		VideoBase64: req.VideoBase64,
		Devices:     req.Devices,
	})
	if err != nil {
		handler.respondAppError(w, err)
		return
	}

	handler.respondJSON(w, http.StatusCreated, dto.StartSessionResponse{
		SessionID:       rec.ID,
		Status:          string(rec.Status),
		TotalFrames:     rec.Video.TotalFrames,
		FPS:             rec.Video.FPS,
		Width:           rec.Video.Resolution.Width,
		Height:          rec.Video.Resolution.Height,
		DurationSeconds: rec.Video.DurationSeconds,
		AssignedDevices: rec.AssignedDevices,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (handler *Handler) AddPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req dto.AddPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := handler.sessionService.AddPrompt(r.Context(), sessionID, req.FrameIndex, req.Prompts, req.ObjectID)
	if err != nil {
		handler.respondAppError(w, err)
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.AddPromptResponse{
		FrameIndex: result.FrameIndex,
		ObjectIDs:  result.ObjectIDs,
		Masks:      result.Masks,
		Boxes:      result.Boxes,
		Scores:     result.Scores,
		Status:     "prompt_added",
	})
}

func (handler *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req dto.PropagateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	} else if handler.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handler.config.BatchTimeout)
		defer cancel()
	}

	result, err := handler.propagator.RunBatch(ctx, sessionID, propagate.Options{
		Direction:  models.Direction(req.Direction),
		StartFrame: req.StartFrameIndex,
		MaxFrames:  req.MaxFrames,
	})
	if err != nil {
		handler.respondAppError(w, err)
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.PropagateResponseFrom(result))
}

func (handler *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	status, err := handler.sessionService.Status(r.Context(), sessionID)
	if err != nil {
		handler.respondAppError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.SessionStatusFrom(status.Record, status.GPUMemoryUsedMB))
}

func (handler *Handler) RemoveObject(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	objectID, err := strconv.Atoi(chi.URLParam(r, "object_id"))
	if err != nil {
		handler.respondError(w, http.StatusBadRequest, "Object ID must be an integer")
		return
	}

	if err := handler.sessionService.RemoveObject(r.Context(), sessionID, objectID); err != nil {
		handler.respondAppError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.RemoveObjectResponse{
		SessionID: sessionID,
		ObjectID:  objectID,
		Status:    "object_removed",
	})
}

func (handler *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	cleared, err := handler.sessionService.Reset(r.Context(), sessionID)
	if err != nil {
		handler.respondAppError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.ResetSessionResponse{
		SessionID:      sessionID,
		ObjectsCleared: cleared,
		Status:         string(models.StatusReady),
	})
}

func (handler *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	result, err := handler.sessionService.CloseSession(r.Context(), sessionID)
	if err != nil {
		handler.respondAppError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.CloseSessionResponse{
		SessionID:       sessionID,
		Status:          string(models.StatusClosed),
		DevicesReleased: result.DevicesReleased,
		MemoryFreedMB:   result.MemoryFreedMB,
	})
}

func (handler *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	records := handler.sessionService.List()
	store := handler.sessionService.Store()

	sessions := make([]dto.SessionStatusResponse, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, dto.SessionStatusFrom(rec, 0))
	}
	handler.respondJSON(w, http.StatusOK, dto.SessionListResponse{
		Sessions:    sessions,
		Count:       len(sessions),
		MaxSessions: handler.config.MaxSessions,
		DevicesFree: store.FreeDeviceCount(),
	})
}

func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

// respondAppError maps error kinds onto HTTP status codes.
func (handler *Handler) respondAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.CapacityExceeded:
		status = http.StatusServiceUnavailable
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.SessionBusy:
		status = http.StatusConflict
	case apperr.InvalidRequest:
		status = http.StatusBadRequest
	case apperr.Timeout:
		status = http.StatusGatewayTimeout
	}

	kind := string(apperr.KindOf(err))
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    status,
	})
}
