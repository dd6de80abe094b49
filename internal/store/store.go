package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection used to record pipeline sessions.
// A pgx.Conn is not safe for concurrent use, so every call holds mu.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Session is one run of the pipeline over an input video.
type Session struct {
	ID         uuid.UUID
	VideoID    string
	InputPath  string
	MaskFile   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Stats      SessionStats
	Detections int
}

// SessionStats are the counters written when a session finishes.
type SessionStats struct {
	Frames        int64
	FramesSkipped int64
	StaleTicks    int64
}

// DetectionRecord is one published detection pass.
type DetectionRecord struct {
	Session uuid.UUID
	Stamp   uint64
	Faces   int
	Skipped uint64
	Latency time.Duration
	At      time.Time
}

// MaskLoadRecord is one finished mask load.
type MaskLoadRecord struct {
	Session  uuid.UUID
	Filename string
	Err      string
	Took     time.Duration
	At       time.Time
}

// ErrSessionNotFound is returned when finishing an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL,
			input_path TEXT NOT NULL,
			mask_file TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			frames BIGINT NOT NULL DEFAULT 0,
			frames_skipped BIGINT NOT NULL DEFAULT 0,
			stale_ticks BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			stamp BIGINT NOT NULL,
			faces INT NOT NULL,
			skipped BIGINT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS mask_loads (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms DOUBLE PRECISION NOT NULL,
			loaded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS detections_session_id_idx ON detections (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// CreateSession registers a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, videoID, inputPath, maskFile string) (uuid.UUID, error) {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, video_id, input_path, mask_file, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, videoID, inputPath, maskFile)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FinishSession stamps the end time and final counters.
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, stats SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, `
		UPDATE sessions SET finished_at = NOW(), frames = $2, frames_skipped = $3, stale_ticks = $4
		WHERE id = $1
	`, id, stats.Frames, stats.FramesSkipped, stats.StaleTicks)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.video_id, s.input_path, s.mask_file, s.started_at, s.finished_at,
		       s.frames, s.frames_skipped, s.stale_ticks,
		       (SELECT COUNT(*) FROM detections d WHERE d.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var ss Session
		if err := rows.Scan(&ss.ID, &ss.VideoID, &ss.InputPath, &ss.MaskFile, &ss.StartedAt, &ss.FinishedAt,
			&ss.Stats.Frames, &ss.Stats.FramesSkipped, &ss.Stats.StaleTicks, &ss.Detections); err != nil {
			return nil, err
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// InsertDetections writes a batch of detection records in one round trip.
func (s *Store) InsertDetections(ctx context.Context, recs []DetectionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO detections (session_id, stamp, faces, skipped, latency_ms, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.Session, int64(r.Stamp), r.Faces, int64(r.Skipped), float64(r.Latency)/float64(time.Millisecond), r.At)
	}
	return s.sendBatch(ctx, batch)
}

// InsertMaskLoads writes a batch of mask load records.
func (s *Store) InsertMaskLoads(ctx context.Context, recs []MaskLoadRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO mask_loads (session_id, filename, error, duration_ms, loaded_at)
			VALUES ($1, $2, $3, $4, $5)
		`, r.Session, r.Filename, r.Err, float64(r.Took)/float64(time.Millisecond), r.At)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SendBatch(ctx, batch).Close()
}

// CountMaskLoads returns (ok, failed) mask loads for a session.
func (s *Store) CountMaskLoads(ctx context.Context, session uuid.UUID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok, failed int
	err := s.conn.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE error = ''), COUNT(*) FILTER (WHERE error <> '')
		FROM mask_loads WHERE session_id = $1
	`, session).Scan(&ok, &failed)
	return ok, failed, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detections CASCADE;
		DROP TABLE IF EXISTS mask_loads CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
