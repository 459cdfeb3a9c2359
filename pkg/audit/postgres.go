package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sparkgate/pkg/models"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink mirrors audit entries into an audit_entries table for
// retention and querying beyond the local NDJSON file.
type PostgresSink struct {
	DB      execer
	Timeout time.Duration
}

func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{DB: db, Timeout: 2 * time.Second}
}

// EnsureSchema creates the table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL,
			role TEXT NOT NULL,
			action TEXT NOT NULL,
			ref_id TEXT,
			diff_hash TEXT,
			status TEXT NOT NULL,
			message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, e models.AuditEntry) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_entries (ts, actor, role, action, ref_id, diff_hash, status, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.TS, e.Actor, e.Role, e.Action, e.ID, e.DiffHash, e.Status, e.Message)
	return err
}
