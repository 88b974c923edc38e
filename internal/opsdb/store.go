package opsdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an ingest run. PENDING → RUNNING →
// {COMPLETED, FAILED, CANCELLED}; the three terminal states are absorbing.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// ParseRunStatus validates a caller-supplied status value.
func ParseRunStatus(v string) (RunStatus, error) {
	switch st := RunStatus(strings.ToUpper(strings.TrimSpace(v))); st {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown run status %q", v)}
	}
}

// HeartbeatStatus is an ingestor's reported health. No transitions are
// enforced; health legitimately flaps.
type HeartbeatStatus string

const (
	HeartbeatHealthy  HeartbeatStatus = "HEALTHY"
	HeartbeatDegraded HeartbeatStatus = "DEGRADED"
	HeartbeatOffline  HeartbeatStatus = "OFFLINE"
)

// ParseHeartbeatStatus validates a caller-supplied health value. Empty input
// defaults to HEALTHY.
func ParseHeartbeatStatus(v string) (HeartbeatStatus, error) {
	if strings.TrimSpace(v) == "" {
		return HeartbeatHealthy, nil
	}
	switch st := HeartbeatStatus(strings.ToUpper(strings.TrimSpace(v))); st {
	case HeartbeatHealthy, HeartbeatDegraded, HeartbeatOffline:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown heartbeat status %q", v)}
	}
}

// RunSummary is a detached copy of one ingest run row, valid after the
// session that produced it has closed.
type RunSummary struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Status      RunStatus  `json:"status"`
	FileCount   int64      `json:"file_count"`
	TotalBytes  int64      `json:"total_bytes"`
	ErrorCount  int64      `json:"error_count"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	IngestorID  string     `json:"ingestor_id,omitempty"`
}

// HeartbeatSummary is a detached copy of one heartbeat row.
type HeartbeatSummary struct {
	IngestorID   string          `json:"ingestor_id"`
	Hostname     string          `json:"hostname,omitempty"`
	Status       HeartbeatStatus `json:"status"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	Message      string          `json:"message,omitempty"`
	WatchedPaths []string        `json:"watched_paths"`
	Version      string          `json:"version,omitempty"`
}

// RunUpdate carries the mutable ingest-run fields. nil leaves a field
// unchanged; Finished stamps finished_at.
type RunUpdate struct {
	Status     *string
	FileCount  *int64
	TotalBytes *int64
	ErrorCount *int64
	Message    *string
	Finished   bool
}

// HeartbeatInput is one health report from an ingestor instance.
type HeartbeatInput struct {
	IngestorID   string
	Hostname     *string
	Status       string // empty means HEALTHY
	Message      *string
	WatchedPaths []string // nil leaves existing paths unchanged
	Version      *string
}

const defaultRunListLimit = 10

// Store implements ingest-run and heartbeat bookkeeping on top of Scope.
// Every operation opens a session scope, does its work, and copies rows into
// plain summaries before the scope closes.
type Store struct {
	scope *Scope
	now   func() time.Time
}

func NewStore(scope *Scope) *Store {
	return &Store{
		scope: scope,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

const runColumns = `id, project_id, status, file_count, total_bytes, error_count, message, started_at, finished_at, triggered_by, ingestor_id`

// CreateIngestRun inserts a new PENDING run for a project.
func (s *Store) CreateIngestRun(ctx context.Context, tenantID, projectID int64, triggeredBy, ingestorID string) (RunSummary, error) {
	if projectID <= 0 {
		return RunSummary{}, &ValidationError{Field: "project_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(triggeredBy) == "" {
		triggeredBy = "api"
	}

	var out RunSummary
	err := s.scope.WithTenant(ctx, tenantID, func(ctx context.Context, sess *Session) error {
		startedAt := s.now()
		var id int64
		err := sess.QueryRowContext(ctx, `
			INSERT INTO ingest_runs (project_id, status, started_at, file_count, total_bytes, error_count, triggered_by, ingestor_id)
			VALUES (?, ?, ?, 0, 0, 0, ?, ?)
			RETURNING id
		`, projectID, RunPending, startedAt, triggeredBy, nullString(ingestorID)).Scan(&id)
		if err != nil {
			return err
		}
		out = RunSummary{
			ID:          id,
			ProjectID:   projectID,
			Status:      RunPending,
			StartedAt:   startedAt,
			TriggeredBy: triggeredBy,
			IngestorID:  ingestorID,
		}
		return nil
	})
	return out, err
}

// UpdateIngestRun applies the supplied fields to a run in the tenant's own
// database. A run id from another tenant is structurally invisible here and
// surfaces as NotFoundError. Transitions out of a terminal status are
// rejected.
func (s *Store) UpdateIngestRun(ctx context.Context, tenantID, runID int64, upd RunUpdate) (RunSummary, error) {
	var newStatus *RunStatus
	if upd.Status != nil {
		st, err := ParseRunStatus(*upd.Status)
		if err != nil {
			return RunSummary{}, err
		}
		newStatus = &st
	}
	for field, v := range map[string]*int64{
		"file_count":  upd.FileCount,
		"total_bytes": upd.TotalBytes,
		"error_count": upd.ErrorCount,
	} {
		if v != nil && *v < 0 {
			return RunSummary{}, &ValidationError{Field: field, Reason: "must not be negative"}
		}
	}

	var out RunSummary
	err := s.scope.WithTenant(ctx, tenantID, func(ctx context.Context, sess *Session) error {
		row := sess.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE id = ?`, runID)
		run, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{TenantID: tenantID, Kind: "ingest run", Key: strconv.FormatInt(runID, 10)}
		}
		if err != nil {
			return err
		}

		if newStatus != nil && run.Status.Terminal() && *newStatus != run.Status {
			return &ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("run %d is already %s and cannot transition to %s", runID, run.Status, *newStatus),
			}
		}

		if newStatus != nil {
			run.Status = *newStatus
		}
		if upd.FileCount != nil {
			run.FileCount = *upd.FileCount
		}
		if upd.TotalBytes != nil {
			run.TotalBytes = *upd.TotalBytes
		}
		if upd.ErrorCount != nil {
			run.ErrorCount = *upd.ErrorCount
		}
		if upd.Message != nil {
			run.Message = *upd.Message
		}
		if upd.Finished {
			t := s.now()
			run.FinishedAt = &t
		}

		_, err = sess.ExecContext(ctx, `
			UPDATE ingest_runs
			SET status = ?, file_count = ?, total_bytes = ?, error_count = ?, message = ?, finished_at = ?
			WHERE id = ?
		`, run.Status, run.FileCount, run.TotalBytes, run.ErrorCount, nullString(run.Message), nullTime(run.FinishedAt), runID)
		if err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

// ListRecentRuns returns runs ordered newest started_at first, optionally
// filtered by project. limit <= 0 applies the default of 10.
func (s *Store) ListRecentRuns(ctx context.Context, tenantID, projectID int64, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}

	var out []RunSummary
	err := s.scope.WithTenant(ctx, tenantID, func(ctx context.Context, sess *Session) error {
		query := `SELECT ` + runColumns + ` FROM ingest_runs`
		args := []any{}
		if projectID > 0 {
			query += ` WHERE project_id = ?`
			args = append(args, projectID)
		}
		query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
		args = append(args, limit)

		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, run)
		}
		return rows.Err()
	})
	return out, err
}

// RecordHeartbeat upserts the health report for one ingestor instance:
// exactly one row per ingestor_id, last_seen_at refreshed on every call,
// only supplied fields overwritten.
func (s *Store) RecordHeartbeat(ctx context.Context, tenantID int64, in HeartbeatInput) (HeartbeatSummary, error) {
	if strings.TrimSpace(in.IngestorID) == "" {
		return HeartbeatSummary{}, &ValidationError{Field: "ingestor_id", Reason: "must not be empty"}
	}
	status, err := ParseHeartbeatStatus(in.Status)
	if err != nil {
		return HeartbeatSummary{}, err
	}

	var out HeartbeatSummary
	err = s.scope.WithTenant(ctx, tenantID, func(ctx context.Context, sess *Session) error {
		seenAt := s.now()

		row := sess.QueryRowContext(ctx, `
			SELECT ingestor_id, hostname, status, last_seen_at, message, watched_paths, version
			FROM heartbeats WHERE ingestor_id = ?
		`, in.IngestorID)
		existing, err := scanHeartbeat(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if errors.Is(err, sql.ErrNoRows) {
			hb := HeartbeatSummary{
				IngestorID: in.IngestorID,
				Status:     status,
				LastSeenAt: seenAt,
			}
			if in.Hostname != nil {
				hb.Hostname = *in.Hostname
			}
			if in.Message != nil {
				hb.Message = *in.Message
			}
			if in.Version != nil {
				hb.Version = *in.Version
			}
			hb.WatchedPaths = in.WatchedPaths

			_, err := sess.ExecContext(ctx, `
				INSERT INTO heartbeats (ingestor_id, hostname, status, last_seen_at, message, watched_paths, version)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, hb.IngestorID, nullString(hb.Hostname), hb.Status, hb.LastSeenAt,
				nullString(hb.Message), encodeWatchedPaths(hb.WatchedPaths), nullString(hb.Version))
			if err != nil {
				return err
			}
			out = hb
			return nil
		}

		existing.Status = status
		existing.LastSeenAt = seenAt
		if in.Hostname != nil {
			existing.Hostname = *in.Hostname
		}
		if in.Message != nil {
			existing.Message = *in.Message
		}
		if in.WatchedPaths != nil {
			existing.WatchedPaths = in.WatchedPaths
		}
		if in.Version != nil {
			existing.Version = *in.Version
		}

		_, err = sess.ExecContext(ctx, `
			UPDATE heartbeats
			SET hostname = ?, status = ?, last_seen_at = ?, message = ?, watched_paths = ?, version = ?
			WHERE ingestor_id = ?
		`, nullString(existing.Hostname), existing.Status, existing.LastSeenAt,
			nullString(existing.Message), encodeWatchedPaths(existing.WatchedPaths),
			nullString(existing.Version), existing.IngestorID)
		if err != nil {
			return err
		}
		out = existing
		return nil
	})
	return out, err
}

// ListHeartbeats returns heartbeats ordered newest last_seen_at first,
// excluding OFFLINE ingestors unless requested.
func (s *Store) ListHeartbeats(ctx context.Context, tenantID int64, includeOffline bool) ([]HeartbeatSummary, error) {
	var out []HeartbeatSummary
	err := s.scope.WithTenant(ctx, tenantID, func(ctx context.Context, sess *Session) error {
		query := `
			SELECT ingestor_id, hostname, status, last_seen_at, message, watched_paths, version
			FROM heartbeats
		`
		args := []any{}
		if !includeOffline {
			query += ` WHERE status != ?`
			args = append(args, HeartbeatOffline)
		}
		query += ` ORDER BY last_seen_at DESC, id DESC`

		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			hb, err := scanHeartbeat(rows)
			if err != nil {
				return err
			}
			out = append(out, hb)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var (
		run         RunSummary
		status      string
		message     sql.NullString
		finishedAt  sql.NullTime
		triggeredBy sql.NullString
		ingestorID  sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.ProjectID, &status, &run.FileCount, &run.TotalBytes,
		&run.ErrorCount, &message, &run.StartedAt, &finishedAt, &triggeredBy, &ingestorID,
	)
	if err != nil {
		return RunSummary{}, err
	}
	run.Status = RunStatus(status)
	run.Message = message.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	run.TriggeredBy = triggeredBy.String
	run.IngestorID = ingestorID.String
	return run, nil
}

func scanHeartbeat(row rowScanner) (HeartbeatSummary, error) {
	var (
		hb       HeartbeatSummary
		hostname sql.NullString
		status   string
		message  sql.NullString
		paths    sql.NullString
		version  sql.NullString
	)
	err := row.Scan(&hb.IngestorID, &hostname, &status, &hb.LastSeenAt, &message, &paths, &version)
	if err != nil {
		return HeartbeatSummary{}, err
	}
	hb.Hostname = hostname.String
	hb.Status = HeartbeatStatus(status)
	hb.Message = message.String
	hb.Version = version.String
	if paths.Valid && paths.String != "" {
		if err := json.Unmarshal([]byte(paths.String), &hb.WatchedPaths); err != nil {
			return HeartbeatSummary{}, fmt.Errorf("decode watched_paths for %s: %w", hb.IngestorID, err)
		}
	}
	return hb, nil
}

func encodeWatchedPaths(paths []string) sql.NullString {
	if paths == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(paths)
	return sql.NullString{String: string(b), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
