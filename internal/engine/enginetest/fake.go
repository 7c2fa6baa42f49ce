// Package enginetest provides a deterministic in-memory Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpol-recart/sam3-inference/internal/engine"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/pkg/rle"
)

type fakeSession struct {
	devices  []string
	objects  []int
	nextID   int
	memoryMB float64
}

// Fake implements engine.Engine with scripted behavior. The zero value is
// usable; configure the exported fields before first use.
type Fake struct {
	// Video is returned from every OpenSession.
	Video models.VideoInfo
	// OpenErr fails OpenSession when set.
	OpenErr error
	// FailFrame makes Infer fail on that frame index when FailErr is set.
	FailFrame int
	FailErr   error
	// Gate, when non-nil, is received from at the start of every Infer call,
	// letting tests step the run frame by frame.
	Gate chan struct{}

	mu          sync.Mutex
	sessions    map[string]*fakeSession
	inferCalls  []InferCall
	closedCalls []string
}

// InferCall records one Infer invocation.
type InferCall struct {
	SessionID  string
	FrameIndex int
}

func (f *Fake) session(id string) (*fakeSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("engine has no session %s", id)
	}
	return s, nil
}

func (f *Fake) OpenSession(_ context.Context, sessionID string, _ engine.Source, devices []string) (models.VideoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return models.VideoInfo{}, f.OpenErr
	}
	if f.sessions == nil {
		f.sessions = make(map[string]*fakeSession)
	}
	f.sessions[sessionID] = &fakeSession{
		devices:  append([]string(nil), devices...),
		nextID:   1,
		memoryMB: 512,
	}
	return f.Video, nil
}

func (f *Fake) AddPrompt(_ context.Context, sessionID string, frameIndex int, prompts []models.Prompt, objectID *int) ([]models.ObjectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.session(sessionID)
	if err != nil {
		return nil, err
	}
	if objectID == nil {
		s.objects = append(s.objects, s.nextID)
		s.nextID++
	}
	out := make([]models.ObjectResult, 0, len(s.objects))
	for _, id := range s.objects {
		out = append(out, f.objectResult(id, frameIndex))
	}
	return out, nil
}

func (f *Fake) Infer(_ context.Context, sessionID string, frameIndex int) ([]models.ObjectResult, error) {
	if f.Gate != nil {
		<-f.Gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inferCalls = append(f.inferCalls, InferCall{SessionID: sessionID, FrameIndex: frameIndex})
	if f.FailErr != nil && frameIndex == f.FailFrame {
		return nil, f.FailErr
	}
	s, err := f.session(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ObjectResult, 0, len(s.objects))
	for _, id := range s.objects {
		out = append(out, f.objectResult(id, frameIndex))
	}
	return out, nil
}

func (f *Fake) RemoveObject(_ context.Context, sessionID string, objectID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.session(sessionID)
	if err != nil {
		return err
	}
	for i, id := range s.objects {
		if id == objectID {
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("object %d not tracked in session %s", objectID, sessionID)
}

func (f *Fake) Reset(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.session(sessionID)
	if err != nil {
		return err
	}
	s.objects = nil
	s.nextID = 1
	return nil
}

func (f *Fake) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.session(sessionID); err != nil {
		return err
	}
	delete(f.sessions, sessionID)
	f.closedCalls = append(f.closedCalls, sessionID)
	return nil
}

func (f *Fake) MemoryUsageMB(_ context.Context, sessionID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.session(sessionID)
	if err != nil {
		return 0, err
	}
	return s.memoryMB, nil
}

// InferCalls returns a copy of the recorded Infer invocations.
func (f *Fake) InferCalls() []InferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InferCall(nil), f.inferCalls...)
}

// ClosedSessions returns ids passed to CloseSession, in order.
func (f *Fake) ClosedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closedCalls...)
}

// objectResult builds a small deterministic mask so transports have real
// payloads to carry.
func (f *Fake) objectResult(id, frameIndex int) models.ObjectResult {
	mask := make([]bool, 16)
	for i := range mask {
		mask[i] = (i+id+frameIndex)%3 == 0
	}
	return models.ObjectResult{
		ID:    id,
		Mask:  rle.Encode(mask),
		Box:   [4]float64{0.5, 0.5, 0.2, 0.2},
		Score: 0.9,
	}
}
