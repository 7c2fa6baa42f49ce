package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpol-recart/sam3-inference/internal/config"
	"github.com/rpol-recart/sam3-inference/internal/dto"
	"github.com/rpol-recart/sam3-inference/internal/engine/enginetest"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/service"
	"github.com/rpol-recart/sam3-inference/internal/session"
)

type testEnv struct {
	server *httptest.Server
	fake   *enginetest.Fake
	video  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		MaxSessions:        2,
		SessionIdleTimeout: time.Hour,
		DevicePool:         []string{"cuda:0", "cuda:1"},
		DevicesPerSession:  1,
		UploadDir:          t.TempDir(),
		MaxUploadSizeMB:    10,
	}
	store := session.NewStore(session.Config{
		MaxSessions:       cfg.MaxSessions,
		IdleTimeout:       cfg.SessionIdleTimeout,
		DevicePool:        cfg.DevicePool,
		DevicesPerSession: cfg.DevicesPerSession,
	}, zerolog.Nop())
	fake := &enginetest.Fake{
		Video: models.VideoInfo{TotalFrames: 20, FPS: 30,
			Resolution: models.Resolution{Width: 640, Height: 480}},
	}
	svc := service.New(cfg, store, fake, nil, nil, zerolog.Nop())
	propagator := propagate.NewService(store, fake, nil, nil, zerolog.Nop())
	handler := NewHandler(svc, propagator, cfg, zerolog.Nop())
	router := SetupRoutes(handler, nil, zerolog.Nop())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	video := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("frames"), 0o644))
	return &testEnv{server: server, fake: fake, video: video}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) startSession(t *testing.T) string {
	t.Helper()
	resp := e.post(t, "/api/v1/video/session/start", dto.StartSessionRequest{VideoPath: e.video})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[dto.StartSessionResponse](t, resp)
	return started.SessionID
}

func (e *testEnv) addPrompt(t *testing.T, sessionID string) {
	t.Helper()
	resp := e.post(t, "/api/v1/video/session/"+sessionID+"/prompt", dto.AddPromptRequest{
		FrameIndex: 0,
		Prompts: []models.Prompt{{
			Type:        models.PromptPoint,
			Points:      [][]float64{{0.4, 0.6}},
			PointLabels: []int{1},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[dto.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.MaxSessions)
	assert.Equal(t, 2, health.DevicesFree)
}

func TestStartSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/video/session/start", dto.StartSessionRequest{VideoPath: env.video})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	started := decode[dto.StartSessionResponse](t, resp)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "ready", started.Status)
	assert.Equal(t, 20, started.TotalFrames)
	assert.Equal(t, 640, started.Width)
	assert.Equal(t, []string{"cuda:0"}, started.AssignedDevices)
}

func TestStartSessionWithoutSource(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/video/session/start", dto.StartSessionRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errResp := decode[dto.ErrorResponse](t, resp)
	assert.Equal(t, "invalid_request", errResp.Error)
	assert.Equal(t, http.StatusBadRequest, errResp.Code)
}

func TestCapacityExceededMapsTo503(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t)
	env.startSession(t)

	resp := env.post(t, "/api/v1/video/session/start", dto.StartSessionRequest{VideoPath: env.video})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	errResp := decode[dto.ErrorResponse](t, resp)
	assert.Equal(t, "capacity_exceeded", errResp.Error)
}

func TestAddPromptEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)

	resp := env.post(t, "/api/v1/video/session/"+id+"/prompt", dto.AddPromptRequest{
		FrameIndex: 3,
		Prompts: []models.Prompt{{
			Type:        models.PromptPoint,
			Points:      [][]float64{{0.5, 0.5}},
			PointLabels: []int{1},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[dto.AddPromptResponse](t, resp)
	assert.Equal(t, 3, result.FrameIndex)
	assert.Equal(t, []int{1}, result.ObjectIDs)
	assert.Equal(t, "prompt_added", result.Status)
	require.Len(t, result.Masks, 1)
	assert.NotEmpty(t, result.Masks[0])
}

func TestAddPromptUnknownSessionMapsTo404(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/video/session/nope/prompt", dto.AddPromptRequest{
		FrameIndex: 0,
		Prompts: []models.Prompt{{
			Type:        models.PromptPoint,
			Points:      [][]float64{{0.5, 0.5}},
			PointLabels: []int{1},
		}},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	errResp := decode[dto.ErrorResponse](t, resp)
	assert.Equal(t, "not_found", errResp.Error)
}

func TestPropagateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	env.addPrompt(t, id)

	resp := env.post(t, "/api/v1/video/session/"+id+"/propagate", dto.PropagateRequest{
		Direction:       "forward",
		StartFrameIndex: 15,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[dto.PropagateResponse](t, resp)
	assert.Equal(t, id, result.SessionID)
	assert.Equal(t, 5, result.TotalFrames)
	assert.Len(t, result.Results, 5)
	fr, ok := result.Results["17"]
	require.True(t, ok)
	assert.Equal(t, 17, fr.FrameIndex)
	require.Len(t, fr.Objects, 1)
}

func TestPropagateWithoutObjectsMapsTo400(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)

	resp := env.post(t, "/api/v1/video/session/"+id+"/propagate", dto.PropagateRequest{
		StartFrameIndex: 0,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionBusyMapsTo409(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	env.addPrompt(t, id)

	env.fake.Gate = make(chan struct{})
	errCh := make(chan int, 1)
	go func() {
		resp := env.post(t, "/api/v1/video/session/"+id+"/propagate", dto.PropagateRequest{StartFrameIndex: 0})
		resp.Body.Close()
		errCh <- resp.StatusCode
	}()

	// wait until the first run holds the session in Processing
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/v1/video/session/"+id+"/status")
		status := decode[dto.SessionStatusResponse](t, resp)
		return status.Status == "processing"
	}, time.Second, 5*time.Millisecond)

	resp := env.post(t, "/api/v1/video/session/"+id+"/propagate", dto.PropagateRequest{StartFrameIndex: 0})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	close(env.fake.Gate)
	assert.Equal(t, http.StatusOK, <-errCh)
}

func TestSessionStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)

	resp := env.do(t, http.MethodGet, "/api/v1/video/session/"+id+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[dto.SessionStatusResponse](t, resp)
	assert.Equal(t, id, status.SessionID)
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, 20, status.TotalFrames)
	assert.Equal(t, float64(512), status.GPUMemoryUsedMB)
}

func TestRemoveObjectEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	env.addPrompt(t, id)

	resp := env.do(t, http.MethodDelete, "/api/v1/video/session/"+id+"/object/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	removed := decode[dto.RemoveObjectResponse](t, resp)
	assert.Equal(t, 1, removed.ObjectID)
	assert.Equal(t, "object_removed", removed.Status)

	resp = env.do(t, http.MethodDelete, "/api/v1/video/session/"+id+"/object/1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/v1/video/session/"+id+"/object/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestResetEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	env.addPrompt(t, id)

	resp := env.post(t, "/api/v1/video/session/"+id+"/reset", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reset := decode[dto.ResetSessionResponse](t, resp)
	assert.Equal(t, 1, reset.ObjectsCleared)
	assert.Equal(t, "ready", reset.Status)
}

func TestCloseSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)

	resp := env.do(t, http.MethodDelete, "/api/v1/video/session/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	closed := decode[dto.CloseSessionResponse](t, resp)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, 1, closed.DevicesReleased)
	assert.Equal(t, float64(512), closed.MemoryFreedMB)

	resp = env.do(t, http.MethodDelete, "/api/v1/video/session/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListSessionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	first := env.startSession(t)
	env.startSession(t)

	resp := env.do(t, http.MethodGet, "/api/v1/video/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[dto.SessionListResponse](t, resp)
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, 2, list.MaxSessions)
	assert.Equal(t, 0, list.DevicesFree)

	found := false
	for _, s := range list.Sessions {
		if s.SessionID == first {
			found = true
		}
	}
	assert.True(t, found, fmt.Sprintf("session %s missing from list", first))
}
