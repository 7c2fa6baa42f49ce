package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/engine"
	"github.com/rpol-recart/sam3-inference/internal/engine/enginetest"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/session"
)

type recordingSender struct {
	messages []Message
	failFrom int // fail Sends once this many messages were accepted, 0=never
}

func (s *recordingSender) Send(msg Message) error {
	if s.failFrom > 0 && len(s.messages) >= s.failFrom {
		return errors.New("peer went away")
	}
	s.messages = append(s.messages, msg)
	return nil
}

func setup(t *testing.T, totalFrames int) (*propagate.Service, *enginetest.Fake, *session.Store) {
	t.Helper()
	store := session.NewStore(session.Config{
		MaxSessions: 4,
		IdleTimeout: time.Hour,
		DevicePool:  []string{"cuda:0"},
	}, zerolog.Nop())
	fake := &enginetest.Fake{
		Video: models.VideoInfo{TotalFrames: totalFrames, FPS: 30},
	}
	svc := propagate.NewService(store, fake, nil, nil, zerolog.Nop())

	_, err := store.Create("s1", models.VideoInfo{}, nil)
	require.NoError(t, err)
	_, err = fake.OpenSession(context.Background(), "s1", engine.Source{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetVideoInfo("s1", fake.Video))
	_, err = fake.AddPrompt(context.Background(), "s1", 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStats("s1", []int{1}, 0))
	return svc, fake, store
}

func TestDeliverFramesThenComplete(t *testing.T) {
	svc, _, _ := setup(t, 3)
	run, err := svc.Start("s1", propagate.Options{StartFrame: 0})
	require.NoError(t, err)

	sender := &recordingSender{}
	require.NoError(t, Deliver(context.Background(), run, sender))

	require.Len(t, sender.messages, 4)
	for i, msg := range sender.messages[:3] {
		assert.Equal(t, TypeFrame, msg.Type)
		require.NotNil(t, msg.FrameIndex)
		assert.Equal(t, i, *msg.FrameIndex)
		assert.NotEmpty(t, msg.Objects)
	}
	last := sender.messages[3]
	assert.Equal(t, TypeComplete, last.Type)
	require.NotNil(t, last.TotalFrames)
	assert.Equal(t, 3, *last.TotalFrames)
}

func TestDeliverErrorTerminal(t *testing.T) {
	svc, fake, store := setup(t, 5)
	fake.FailFrame = 1
	fake.FailErr = errors.New("worker crashed")

	run, err := svc.Start("s1", propagate.Options{StartFrame: 0})
	require.NoError(t, err)

	sender := &recordingSender{}
	err = Deliver(context.Background(), run, sender)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.InferenceFailure))

	require.Len(t, sender.messages, 2)
	assert.Equal(t, TypeFrame, sender.messages[0].Type)
	assert.Equal(t, TypeError, sender.messages[1].Type)
	assert.Contains(t, sender.messages[1].Error, "worker crashed")

	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
}

func TestDeliverSendFailureAbortsRun(t *testing.T) {
	svc, _, store := setup(t, 10)
	run, err := svc.Start("s1", propagate.Options{StartFrame: 0})
	require.NoError(t, err)

	sender := &recordingSender{failFrom: 2}
	err = Deliver(context.Background(), run, sender)
	require.Error(t, err)

	// nothing after the failed send, and the session is usable again
	assert.Len(t, sender.messages, 2)
	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, rec.Status)
}

func TestDeliverCancellationSendsNothingTerminal(t *testing.T) {
	svc, _, store := setup(t, 10)
	run, err := svc.Start("s1", propagate.Options{StartFrame: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &recordingSender{}
	err = Deliver(ctx, run, sender)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Cancelled))
	assert.Empty(t, sender.messages)

	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, rec.Status)
}
