// Package repository records session lifecycle transitions in Postgres for
// offline inspection. The table is an audit trail only: sessions are never
// restored from it after a restart.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"database/sql"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// SessionLog writes lifecycle rows. A nil *SessionLog drops every write so
// callers don't branch on the persistence flag.
type SessionLog struct {
	db *sql.DB
}

func NewSessionLog(db *sql.DB) *SessionLog {
	return &SessionLog{db: db}
}

// Insert records a freshly created session.
func (r *SessionLog) Insert(ctx context.Context, rec models.SessionRecord) error {
	if r == nil {
		return nil
	}
	query := `
		INSERT INTO session_log (id, status, total_frames, devices, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Status),
		rec.Video.TotalFrames,
		strings.Join(rec.AssignedDevices, ","),
		rec.CreatedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session row: %w", err)
	}
	return nil
}

// UpdateStatus records a state transition, with error detail when present.
func (r *SessionLog) UpdateStatus(ctx context.Context, id string, status models.SessionStatus, errDetail string) error {
	if r == nil {
		return nil
	}
	query := `
		UPDATE session_log
		SET status = $1, error_detail = NULLIF($2, ''), updated_at = $3
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, string(status), errDetail, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// MarkClosed stamps the terminal transition.
func (r *SessionLog) MarkClosed(ctx context.Context, id string) error {
	if r == nil {
		return nil
	}
	now := time.Now()
	query := `
		UPDATE session_log
		SET status = $1, updated_at = $2, closed_at = $2
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, string(models.StatusClosed), now, id)
	if err != nil {
		return fmt.Errorf("failed to mark session closed: %w", err)
	}
	return nil
}
