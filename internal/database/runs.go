package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// RunRow is the input for recording the start of a transcription run.
type RunRow struct {
	ID           string
	SessionID    string
	Source       string // "api" or "inbox"
	Filename     string
	Language     string
	MaxSpeakers  int
	Backend      string
	AudioSeconds float64
	StartedAt    time.Time
}

// RunResult is the outcome of a transcription run.
type RunResult struct {
	Status     string
	Segments   int
	Speakers   int
	Words      int
	Error      string
	FinishedAt time.Time
}

// SummaryRow records one summarization request.
type SummaryRow struct {
	SessionID    string
	Mode         string
	SourceWords  int
	SummaryWords int
}

// RunAPI is the run representation for API responses.
type RunAPI struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Source       string     `json:"source"`
	Filename     string     `json:"filename"`
	Language     string     `json:"language"`
	MaxSpeakers  int        `json:"max_speakers"`
	Backend      string     `json:"backend,omitempty"`
	Status       string     `json:"status"`
	AudioSeconds float64    `json:"audio_seconds"`
	Segments     int        `json:"segments"`
	Speakers     int        `json:"speakers"`
	Words        int        `json:"words"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunFilter specifies filters for listing runs.
type RunFilter struct {
	SessionID string
	Status    string
	Since     *time.Time
	Limit     int
	Offset    int
}

// InsertRun records a run that has just started.
func (db *DB) InsertRun(ctx context.Context, r *RunRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO transcription_runs
			(id, session_id, source, filename, language, max_speakers, backend, audio_seconds, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.SessionID, r.Source, r.Filename, r.Language, r.MaxSpeakers, r.Backend, r.AudioSeconds, RunRunning, r.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stores the outcome of run id.
func (db *DB) FinishRun(ctx context.Context, id string, res RunResult) error {
	var errText any
	if res.Error != "" {
		errText = res.Error
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_runs
		SET status = $2, segments = $3, speakers = $4, words = $5, error = $6, finished_at = $7
		WHERE id = $1
	`, id, res.Status, res.Segments, res.Speakers, res.Words, errText, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: not found", id)
	}
	return nil
}

// InsertSummaries records a batch of summarization requests in one round trip.
func (db *DB) InsertSummaries(ctx context.Context, rows []SummaryRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO summary_runs (session_id, mode, source_words, summary_words)
			VALUES ($1, $2, $3, $4)
		`, r.SessionID, r.Mode, r.SourceWords, r.SummaryWords)
	}
	br := db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert summaries: %w", err)
		}
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first, and the total count.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]RunAPI, int, error) {
	qb := newQueryBuilder()
	if filter.SessionID != "" {
		qb.Add("r.session_id = %s", filter.SessionID)
	}
	if filter.Status != "" {
		qb.Add("r.status = %s", filter.Status)
	}
	if filter.Since != nil {
		qb.Add("r.started_at >= %s", *filter.Since)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	fromClause := "FROM transcription_runs r"
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) "+fromClause+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT r.id, r.session_id, r.source, r.filename, r.language, r.max_speakers,
			r.backend, r.status, r.audio_seconds, r.segments, r.speakers, r.words,
			COALESCE(r.error, ''), r.started_at, r.finished_at
		%s %s
		ORDER BY r.started_at DESC
		LIMIT %d OFFSET %d
	`, fromClause, whereClause, filter.Limit, filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []RunAPI
	for rows.Next() {
		var r RunAPI
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Source, &r.Filename, &r.Language, &r.MaxSpeakers,
			&r.Backend, &r.Status, &r.AudioSeconds, &r.Segments, &r.Speakers, &r.Words,
			&r.Error, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	if runs == nil {
		runs = []RunAPI{}
	}
	return runs, total, rows.Err()
}

// PurgeRunsOlderThan deletes run history older than retention.
func (db *DB) PurgeRunsOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := db.Pool.Exec(ctx, `DELETE FROM transcription_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	tag, err = db.Pool.Exec(ctx, `DELETE FROM summary_runs WHERE created_at < $1`, cutoff)
	if err != nil {
		return n, err
	}
	return n + tag.RowsAffected(), nil
}
