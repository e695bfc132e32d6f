package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"warden/internal/penalty"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the sqlite-backed violation store and audit log.
type Store struct {
	db *sql.DB
}

type AuditLog struct {
	ID        int64
	CaseID    string
	MemberID  string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

// Load reads the full violation snapshot. An empty table is a valid first
// run, not an error.
func (s *Store) Load(ctx context.Context) (penalty.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, kind, count_total, expires_at FROM violations
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	state := make(penalty.State)
	for rows.Next() {
		var memberID, kind string
		var count int
		var expiresAt sql.NullInt64
		if err := rows.Scan(&memberID, &kind, &count, &expiresAt); err != nil {
			return nil, fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
		}
		rec := penalty.Record{Count: count}
		if expiresAt.Valid {
			expiry := time.UnixMilli(expiresAt.Int64)
			rec.ExpiresAt = &expiry
		}
		state.Put(memberID, penalty.Kind(kind), rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	return state, nil
}

// Save replaces the snapshot in one transaction so a crash mid-write cannot
// leave a partial state.
func (s *Store) Save(ctx context.Context, state penalty.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM violations`); err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	for memberID, kinds := range state {
		for kind, rec := range kinds {
			var expiresAt any
			if rec.ExpiresAt != nil {
				expiresAt = rec.ExpiresAt.UnixMilli()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO violations (member_id, kind, count_total, expires_at)
				VALUES (?, ?, ?, ?)
			`, memberID, string(kind), rec.Count, expiresAt)
			if err != nil {
				return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (case_id, member_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.CaseID, log.MemberID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, member_id, level, event, details, created_at
		FROM audit_logs
		WHERE created_at >= ?
		ORDER BY created_at DESC
	`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.CaseID, &log.MemberID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.Unix())
	return err
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
