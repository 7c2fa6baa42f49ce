package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

func newWorker(t *testing.T, handler http.HandlerFunc) *HTTPEngine {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPEngine(server.URL, 2*time.Second, 5*time.Second, zerolog.Nop())
}

func TestOpenSessionRoundTrip(t *testing.T) {
	var got openSessionRequest
	eng := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/session/open", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(openSessionResponse{
			VideoInfo: models.VideoInfo{TotalFrames: 120, FPS: 24,
				Resolution: models.Resolution{Width: 1920, Height: 1080}},
		})
	})

	info, err := eng.OpenSession(context.Background(), "s1", Source{Path: "/data/clip.mp4"}, []string{"cuda:0"})
	require.NoError(t, err)

	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "/data/clip.mp4", got.ResourcePath)
	assert.Equal(t, []string{"cuda:0"}, got.Devices)
	assert.Equal(t, 120, info.TotalFrames)
	assert.Equal(t, 1920, info.Resolution.Width)
}

func TestInferDecodesObjects(t *testing.T) {
	eng := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/session/s1/infer", r.URL.Path)
		var req inferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 7, req.FrameIndex)
		json.NewEncoder(w).Encode(objectsResponse{
			Objects: []models.ObjectResult{{ID: 1, Mask: "4 3 9", Box: [4]float64{0.1, 0.2, 0.3, 0.4}, Score: 0.87}},
		})
	})

	objects, err := eng.Infer(context.Background(), "s1", 7)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, 1, objects[0].ID)
	assert.Equal(t, "4 3 9", objects[0].Mask)
	assert.InDelta(t, 0.87, objects[0].Score, 1e-9)
}

func TestWorkerErrorSurfaced(t *testing.T) {
	eng := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusInternalServerError)
	})

	_, err := eng.Infer(context.Background(), "s1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500")
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestInferHonorsContext(t *testing.T) {
	eng := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		// the body must be drained before the client disconnect
		// propagates to the request context
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eng.Infer(ctx, "s1", 0)
	require.Error(t, err)
}

func TestMemoryUsage(t *testing.T) {
	eng := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/session/s1/memory", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(memoryResponse{MemoryMB: 2048})
	})

	mb, err := eng.MemoryUsageMB(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(2048), mb)
}
