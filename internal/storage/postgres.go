package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/visionsearch/internal/models"
)

// DetectionMatch is a stored detection close to a query box
type DetectionMatch struct {
	SessionID string
	Query     string
	IndexRef  string
	Label     string
	Box       models.BoundingBox
	Distance  float64
}

// PostgresStore records history in PostgreSQL. Detection boxes are stored
// as vector(4) so similar boxes can be looked up with pgvector.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at connString
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordUpload stores the session and its index refs
func (s *PostgresStore) RecordUpload(ctx context.Context, session models.UploadSession, refs []models.IndexRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, file_name, kind, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO NOTHING`,
		session.ID.String(), session.File.Name, string(session.Kind), time.Now())
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	for _, ref := range refs {
		_, err = tx.Exec(ctx,
			"INSERT INTO indexes (session_id, ref, model_name) VALUES ($1, $2, $3)",
			session.ID.String(), ref.Ref, ref.DisplayName)
		if err != nil {
			return fmt.Errorf("failed to store index %s: %w", ref.Ref, err)
		}
	}

	return tx.Commit(ctx)
}

// RecordCycle stores a render cycle with its detections and artifacts
func (s *PostgresStore) RecordCycle(ctx context.Context, cycle CycleRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	failures := make([]string, 0, len(cycle.Failures))
	for _, f := range cycle.Failures {
		failures = append(failures, f.Error())
	}
	var errText *string
	if cycle.Err != nil {
		msg := cycle.Err.Error()
		errText = &msg
	}

	var cycleID int
	err = tx.QueryRow(ctx,
		`INSERT INTO cycles
        (session_id, query, failures, error, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`,
		cycle.SessionID.String(), cycle.Query, failures, errText, cycle.At).Scan(&cycleID)
	if err != nil {
		return fmt.Errorf("failed to store cycle: %w", err)
	}

	for _, result := range cycle.Results {
		for _, d := range result.Detections {
			_, err = tx.Exec(ctx,
				`INSERT INTO detections (cycle_id, index_ref, label, box)
                VALUES ($1, $2, $3, $4)`,
				cycleID, result.Source.Ref, d.Label, pgvector.NewVector(d.Box.Vector()))
			if err != nil {
				return fmt.Errorf("failed to store detection: %w", err)
			}
		}
	}

	for _, a := range cycle.Artifacts {
		_, err = tx.Exec(ctx,
			`INSERT INTO artifacts (cycle_id, model_name, url, inference_ms)
            VALUES ($1, $2, $3, $4)`,
			cycleID, a.ModelName, a.URL, a.InferenceTimeMs)
		if err != nil {
			return fmt.Errorf("failed to store artifact: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Flush implements the Recorder interface - no-op for Postgres as we save immediately
func (s *PostgresStore) Flush() error {
	return nil
}

// NearestDetections finds stored detections whose boxes are closest to box
func (s *PostgresStore) NearestDetections(ctx context.Context, box models.BoundingBox, limit int) ([]DetectionMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.session_id, c.query, d.index_ref, d.label, d.box,
        d.box <-> $1 AS distance
        FROM detections d
        JOIN cycles c ON d.cycle_id = c.id
        ORDER BY d.box <-> $1
        LIMIT $2`,
		pgvector.NewVector(box.Vector()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search detections: %w", err)
	}
	defer rows.Close()

	var matches []DetectionMatch
	for rows.Next() {
		var m DetectionMatch
		var vec pgvector.Vector
		if err := rows.Scan(&m.SessionID, &m.Query, &m.IndexRef, &m.Label, &vec, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if v := vec.Slice(); len(v) == 4 {
			m.Box = models.BoundingBox{X: float64(v[0]), Y: float64(v[1]), Width: float64(v[2]), Height: float64(v[3])}
		}
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	// Check if vector extension exists
	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	// Create vector extension if it doesn't exist
	if !exists {
		_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
		if err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	// Create tables
	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            file_name VARCHAR(255) NOT NULL,
            kind VARCHAR(16) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS indexes (
            id SERIAL PRIMARY KEY,
            session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
            ref VARCHAR(255) NOT NULL,
            model_name VARCHAR(255) NOT NULL
        );

        CREATE TABLE IF NOT EXISTS cycles (
            id SERIAL PRIMARY KEY,
            session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
            query TEXT NOT NULL,
            failures TEXT[] NOT NULL DEFAULT '{}',
            error TEXT,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS detections (
            id SERIAL PRIMARY KEY,
            cycle_id INTEGER REFERENCES cycles(id) ON DELETE CASCADE,
            index_ref VARCHAR(255) NOT NULL,
            label TEXT NOT NULL,
            box vector(4) NOT NULL
        );

        CREATE TABLE IF NOT EXISTS artifacts (
            id SERIAL PRIMARY KEY,
            cycle_id INTEGER REFERENCES cycles(id) ON DELETE CASCADE,
            model_name VARCHAR(255) NOT NULL,
            url TEXT NOT NULL,
            inference_ms DOUBLE PRECISION
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	// Create indexes
	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_indexes_session_id ON indexes(session_id);
        CREATE INDEX IF NOT EXISTS idx_cycles_session_id ON cycles(session_id);
        CREATE INDEX IF NOT EXISTS idx_detections_cycle_id ON detections(cycle_id);
        CREATE INDEX IF NOT EXISTS idx_artifacts_cycle_id ON artifacts(cycle_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
