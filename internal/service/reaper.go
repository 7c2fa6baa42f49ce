package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper periodically reclaims sessions that have been idle past the
// configured timeout.
type Reaper struct {
	svc      *SessionService
	interval time.Duration
	log      zerolog.Logger
}

func NewReaper(svc *SessionService, interval time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		svc:      svc,
		interval: interval,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("session reaper started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("session reaper stopped")
			return
		case <-ticker.C:
			if n := r.svc.ReapExpired(ctx); n > 0 {
				r.log.Info().Int("reaped", n).Msg("reclaimed expired sessions")
			}
		}
	}
}
