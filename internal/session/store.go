// Package session implements the registry of video tracking sessions:
// admission control against a fixed capacity, reservation of devices from a
// shared pool, the per-session state machine, and idle expiry.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/metrics"
	"github.com/rpol-recart/sam3-inference/internal/models"
)

// Config carries the immutable store parameters injected at startup.
type Config struct {
	MaxSessions       int
	IdleTimeout       time.Duration
	DevicePool        []string
	DevicesPerSession int
}

type record struct {
	id           string
	status       models.SessionStatus
	video        models.VideoInfo
	objects      map[int]struct{}
	frames       int
	createdAt    time.Time
	lastAccessed time.Time
	devices      []string
	errDetail    string
}

func (r *record) snapshot() models.SessionRecord {
	objects := make([]int, 0, len(r.objects))
	for id := range r.objects {
		objects = append(objects, id)
	}
	sort.Ints(objects)
	return models.SessionRecord{
		ID:              r.id,
		Status:          r.status,
		Video:           r.video,
		Objects:         objects,
		FramesProcessed: r.frames,
		CreatedAt:       r.createdAt,
		LastAccessedAt:  r.lastAccessed,
		AssignedDevices: append([]string(nil), r.devices...),
		ErrorDetail:     r.errDetail,
	}
}

// Store is the single source of truth for session existence. One mutex
// guards all metadata; nothing that can block (inference, transport writes)
// ever runs under it.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*record
	free     []string
	log      zerolog.Logger
	now      func() time.Time
}

// NewStore builds an empty store with the whole device pool free.
func NewStore(cfg Config, log zerolog.Logger) *Store {
	if cfg.DevicesPerSession <= 0 {
		cfg.DevicesPerSession = 1
	}
	s := &Store{
		cfg:      cfg,
		sessions: make(map[string]*record),
		free:     append([]string(nil), cfg.DevicePool...),
		log:      log.With().Str("component", "session-store").Logger(),
		now:      time.Now,
	}
	metrics.ActiveSessions.Set(0)
	metrics.DevicesFree.Set(float64(len(s.free)))
	return s
}

// Create admits a new session and reserves its devices atomically. An empty
// id gets a generated one; an explicit devices list is validated against the
// pool, otherwise DevicesPerSession are taken in pool order.
func (s *Store) Create(id string, video models.VideoInfo, devices []string) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.sessions[id]; exists {
		return models.SessionRecord{}, apperr.New(apperr.InvalidRequest, "session %s already exists", id)
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		return models.SessionRecord{}, apperr.New(apperr.CapacityExceeded,
			"maximum sessions (%d) exceeded, close inactive sessions and retry", s.cfg.MaxSessions)
	}

	reserved, err := s.reserveLocked(devices)
	if err != nil {
		return models.SessionRecord{}, err
	}

	now := s.now()
	rec := &record{
		id:           id,
		status:       models.StatusReady,
		video:        video,
		objects:      make(map[int]struct{}),
		createdAt:    now,
		lastAccessed: now,
		devices:      reserved,
	}
	s.sessions[id] = rec
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	metrics.DevicesFree.Set(float64(len(s.free)))
	s.log.Info().Str("session_id", id).Strs("devices", reserved).Msg("session created")
	return rec.snapshot(), nil
}

// reserveLocked takes devices out of the free pool. Explicit requests must
// name pool members that are currently free.
func (s *Store) reserveLocked(requested []string) ([]string, error) {
	if len(requested) == 0 {
		if len(s.free) < s.cfg.DevicesPerSession {
			return nil, apperr.New(apperr.CapacityExceeded,
				"no free devices (%d requested, %d available)", s.cfg.DevicesPerSession, len(s.free))
		}
		reserved := append([]string(nil), s.free[:s.cfg.DevicesPerSession]...)
		s.free = append([]string(nil), s.free[s.cfg.DevicesPerSession:]...)
		return reserved, nil
	}

	pool := make(map[string]struct{}, len(s.cfg.DevicePool))
	for _, d := range s.cfg.DevicePool {
		pool[d] = struct{}{}
	}
	for _, d := range requested {
		if _, ok := pool[d]; !ok {
			return nil, apperr.New(apperr.InvalidRequest, "device %s is not in the pool", d)
		}
	}
	remaining := make([]string, 0, len(s.free))
	taken := make(map[string]bool, len(requested))
	for _, d := range requested {
		taken[d] = false
	}
	for _, d := range s.free {
		if _, want := taken[d]; want {
			taken[d] = true
		} else {
			remaining = append(remaining, d)
		}
	}
	for _, d := range requested {
		if !taken[d] {
			return nil, apperr.New(apperr.CapacityExceeded, "device %s is already reserved", d)
		}
	}
	s.free = remaining
	return append([]string(nil), requested...), nil
}

// Get returns a snapshot and refreshes the idle clock.
func (s *Store) Get(id string) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return models.SessionRecord{}, notFound(id)
	}
	rec.lastAccessed = s.now()
	return rec.snapshot(), nil
}

// Touch refreshes the idle clock without reading the record.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	rec.lastAccessed = s.now()
	return nil
}

// SetVideoInfo fills in metadata obtained after admission (the engine learns
// frame counts only once it has decoded the video).
func (s *Store) SetVideoInfo(id string, video models.VideoInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	rec.video = video
	rec.lastAccessed = s.now()
	return nil
}

// UpdateStats merges propagation progress. A nil objects slice leaves the
// object set untouched; framesProcessed below the current value is ignored
// and the counter never exceeds the frame count of the video.
func (s *Store) UpdateStats(id string, objects []int, framesProcessed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	if objects != nil {
		rec.objects = make(map[int]struct{}, len(objects))
		for _, obj := range objects {
			rec.objects[obj] = struct{}{}
		}
	}
	if framesProcessed > rec.frames {
		rec.frames = framesProcessed
		if rec.video.TotalFrames > 0 && rec.frames > rec.video.TotalFrames {
			rec.frames = rec.video.TotalFrames
		}
	}
	rec.lastAccessed = s.now()
	return nil
}

// RemoveObject drops one object from the tracked set.
func (s *Store) RemoveObject(id string, objectID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	if _, tracked := rec.objects[objectID]; !tracked {
		return apperr.New(apperr.NotFound, "object %d not tracked in session %s", objectID, id)
	}
	delete(rec.objects, objectID)
	rec.lastAccessed = s.now()
	return nil
}

// StartProcessing moves Ready -> Processing, serializing mutating work per
// session. A session already Processing yields SessionBusy; a session in
// Error must be reset first.
func (s *Store) StartProcessing(id string) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return models.SessionRecord{}, notFound(id)
	}
	switch rec.status {
	case models.StatusProcessing:
		return models.SessionRecord{}, apperr.New(apperr.SessionBusy,
			"session %s already has a propagation in flight", id)
	case models.StatusError:
		return models.SessionRecord{}, apperr.New(apperr.InvalidRequest,
			"session %s is in error state, reset it first", id)
	}
	rec.status = models.StatusProcessing
	rec.lastAccessed = s.now()
	return rec.snapshot(), nil
}

// FinishProcessing leaves the Processing state: back to Ready when errDetail
// is empty, to Error otherwise. A session closed mid-run is gone from the
// map already, which is fine; the transition is a no-op then.
func (s *Store) FinishProcessing(id string, errDetail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return
	}
	if errDetail == "" {
		rec.status = models.StatusReady
		rec.errDetail = ""
	} else {
		rec.status = models.StatusError
		rec.errDetail = errDetail
	}
	rec.lastAccessed = s.now()
}

// StartReset claims the session for a reset, moving it to Processing so no
// propagation can start underneath the engine wipe. The returned snapshot
// preserves the prior state (including any error detail) so a failed reset
// can put it back. A session already Processing yields SessionBusy.
func (s *Store) StartReset(id string) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return models.SessionRecord{}, notFound(id)
	}
	if rec.status == models.StatusProcessing {
		return models.SessionRecord{}, apperr.New(apperr.SessionBusy,
			"session %s has a propagation in flight", id)
	}
	prior := rec.snapshot()
	rec.status = models.StatusProcessing
	rec.lastAccessed = s.now()
	return prior, nil
}

// FinishReset completes a reset claimed by StartReset: objects, progress and
// any error are cleared and the session returns to Ready. It reports how
// many objects were cleared.
func (s *Store) FinishReset(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	cleared := len(rec.objects)
	rec.objects = make(map[int]struct{})
	rec.frames = 0
	rec.errDetail = ""
	rec.status = models.StatusReady
	rec.lastAccessed = s.now()
	return cleared, nil
}

// Close removes the record and returns its devices to the free pool in one
// critical section; no caller can observe a half-closed session.
func (s *Store) Close(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	delete(s.sessions, id)
	s.free = append(s.free, rec.devices...)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	metrics.DevicesFree.Set(float64(len(s.free)))
	s.log.Info().Str("session_id", id).Strs("devices", rec.devices).Msg("session closed")
	return rec.devices, nil
}

// List snapshots every non-closed session as of one instant.
func (s *Store) List() []models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.snapshot())
	}
	return out
}

// Count reports the number of non-closed sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// FreeDeviceCount reports how many pool devices are unreserved.
func (s *Store) FreeDeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// ExpiredIDs lists sessions idle past the configured timeout. Sessions
// actively processing are never eligible.
func (s *Store) ExpiredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	var expired []string
	for id, rec := range s.sessions {
		if rec.status != models.StatusProcessing && rec.lastAccessed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// ExpireSession removes a session only if it is still idle past the timeout
// at the moment of removal. A session that started processing or was touched
// since the expiry scan survives. Returns the released devices.
func (s *Store) ExpireSession(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	if rec.status == models.StatusProcessing || !rec.lastAccessed.Before(cutoff) {
		return nil, apperr.New(apperr.SessionBusy, "session %s is no longer idle", id)
	}
	delete(s.sessions, id)
	s.free = append(s.free, rec.devices...)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	metrics.DevicesFree.Set(float64(len(s.free)))
	s.log.Info().Str("session_id", id).Strs("devices", rec.devices).Msg("idle session expired")
	return rec.devices, nil
}

func notFound(id string) error {
	return apperr.New(apperr.NotFound, "session %s not found", id)
}
