package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpol-recart/sam3-inference/internal/config"
	"github.com/rpol-recart/sam3-inference/internal/engine/enginetest"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/session"
)

func newExpiringService(t *testing.T, idle time.Duration) (*SessionService, *session.Store) {
	t.Helper()
	cfg := &config.Config{
		MaxSessions:        5,
		SessionIdleTimeout: idle,
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
		Video: models.VideoInfo{TotalFrames: 10, FPS: 30,
			Resolution: models.Resolution{Width: 640, Height: 480}},
	}
	return New(cfg, store, fake, nil, nil, zerolog.Nop()), store
}

func TestReapExpiredClosesIdleSessions(t *testing.T) {
	svc, store := newExpiringService(t, 20*time.Millisecond)

	rec, err := svc.StartSession(context.Background(), StartParams{VideoPath: tempVideo(t)})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, svc.ReapExpired(context.Background()))
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, 2, store.FreeDeviceCount())

	_, err = store.Get(rec.ID)
	assert.Error(t, err)
}

func TestReapExpiredSkipsProcessing(t *testing.T) {
	svc, store := newExpiringService(t, 20*time.Millisecond)

	rec, err := svc.StartSession(context.Background(), StartParams{VideoPath: tempVideo(t)})
	require.NoError(t, err)
	_, err = store.StartProcessing(rec.ID)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, svc.ReapExpired(context.Background()))
	assert.Equal(t, 1, store.Count())

	store.FinishProcessing(rec.ID, "")
}

func TestReapExpiredKeepsFreshSessions(t *testing.T) {
	svc, store := newExpiringService(t, time.Hour)

	_, err := svc.StartSession(context.Background(), StartParams{VideoPath: tempVideo(t)})
	require.NoError(t, err)

	assert.Equal(t, 0, svc.ReapExpired(context.Background()))
	assert.Equal(t, 1, store.Count())
}

func TestReaperLoopStopsOnCancel(t *testing.T) {
	svc, _ := newExpiringService(t, time.Hour)
	reaper := NewReaper(svc, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}
