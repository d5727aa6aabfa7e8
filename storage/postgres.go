package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/docflow/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id            BIGINT PRIMARY KEY,
	document_type TEXT   NOT NULL,
	body          JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_definitions_document_type ON workflow_definitions (document_type);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id      BIGINT PRIMARY KEY,
	status  TEXT   NOT NULL,
	version BIGINT NOT NULL,
	body    JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_status ON workflow_instances (status);

CREATE TABLE IF NOT EXISTS workflow_history (
	instance_id BIGINT NOT NULL REFERENCES workflow_instances (id),
	seq         INT    NOT NULL,
	id          BIGINT NOT NULL,
	body        JSONB  NOT NULL,
	PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS workflow_fired_events (
	event_key TEXT PRIMARY KEY,
	fired_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const uniqueViolation = "23505"

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
// Rows keep the JSON document next to the columns used for lookups, and
// commits compare-and-swap on the version column inside a transaction.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a PostgresStorage on an existing pool.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	s := NewPostgresStorage(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveDefinition upserts a definition.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.SaveDefinitions(ctx, []types.WorkflowDefinition{def})
}

// SaveDefinitions upserts definitions in one batch.
func (s *PostgresStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		batch := &pgx.Batch{}
		for _, def := range defs {
			body, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
			}
			batch.Queue(`INSERT INTO workflow_definitions (id, document_type, body) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET document_type = EXCLUDED.document_type, body = EXCLUDED.body`,
				int64(def.ID), def.DocumentType, body)
		}
		if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save definitions: %w", err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition by ID.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		return scanOne[types.WorkflowDefinition](s.db.QueryRow(ctx,
			"SELECT body FROM workflow_definitions WHERE id = $1", int64(id)), ErrDefinitionNotFound, id)
	})
}

// ListDefinitions lists definitions ordered by ID.
func (s *PostgresStorage) ListDefinitions(ctx context.Context, documentType string) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		rows, err := s.db.Query(ctx,
			"SELECT body FROM workflow_definitions WHERE $1 = '' OR document_type = $1 ORDER BY id", documentType)
		if err != nil {
			return nil, fmt.Errorf("failed to list definitions: %w", err)
		}
		return scanAll[types.WorkflowDefinition](rows)
	})
}

// CreateInstance inserts a new instance.
func (s *PostgresStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		if err := checkNewInstance(inst); err != nil {
			return err
		}
		body, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		_, err = s.db.Exec(ctx,
			"INSERT INTO workflow_instances (id, status, version, body) VALUES ($1, $2, $3, $4)",
			int64(inst.ID), string(inst.Status), int64(inst.Version), body)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
		}
		return nil
	})
}

// CommitInstance updates the instance where the version still matches and
// appends entries, all in one transaction.
func (s *PostgresStorage) CommitInstance(ctx context.Context, inst types.WorkflowInstance, entries []types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		body, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				"UPDATE workflow_instances SET status = $2, version = $3, body = $4 WHERE id = $1 AND version = $5",
				int64(inst.ID), string(inst.Status), int64(inst.Version), body, int64(inst.Version)-1)
			if err != nil {
				return fmt.Errorf("failed to update instance %d: %w", inst.ID, err)
			}
			if tag.RowsAffected() == 0 {
				var stored int64
				err := tx.QueryRow(ctx, "SELECT version FROM workflow_instances WHERE id = $1", int64(inst.ID)).Scan(&stored)
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
				}
				if err != nil {
					return fmt.Errorf("failed to read instance %d: %w", inst.ID, err)
				}
				return fmt.Errorf("%w: id=%d stored=%d commit=%d", ErrVersionConflict, inst.ID, stored, inst.Version)
			}
			for _, e := range entries {
				entryBody, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to marshal history entry %d: %w", e.ID, err)
				}
				if _, err := tx.Exec(ctx,
					"INSERT INTO workflow_history (instance_id, seq, id, body) VALUES ($1, $2, $3, $4)",
					int64(inst.ID), e.Seq, int64(e.ID), entryBody); err != nil {
					var pgErr *pgconn.PgError
					if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
						return fmt.Errorf("%w: id=%d seq=%d already recorded", ErrVersionConflict, inst.ID, e.Seq)
					}
					return fmt.Errorf("failed to append history %d: %w", inst.ID, err)
				}
			}
			return nil
		})
	})
}

// GetInstance retrieves an instance by ID.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		return scanOne[types.WorkflowInstance](s.db.QueryRow(ctx,
			"SELECT body FROM workflow_instances WHERE id = $1", int64(id)), ErrInstanceNotFound, id)
	})
}

// ListActiveInstances lists non-terminal instances ordered by ID.
func (s *PostgresStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		rows, err := s.db.Query(ctx,
			"SELECT body FROM workflow_instances WHERE status NOT IN ($1, $2) ORDER BY id",
			string(types.StatusCompleted), string(types.StatusCancelled))
		if err != nil {
			return nil, fmt.Errorf("failed to list active instances: %w", err)
		}
		return scanAll[types.WorkflowInstance](rows)
	})
}

// ListHistory lists the history of an instance ordered by seq.
func (s *PostgresStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)",
			int64(instanceID)).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check instance %d: %w", instanceID, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		rows, err := s.db.Query(ctx,
			"SELECT body FROM workflow_history WHERE instance_id = $1 ORDER BY seq", int64(instanceID))
		if err != nil {
			return nil, fmt.Errorf("failed to read history %d: %w", instanceID, err)
		}
		entries, err := scanAll[types.HistoryEntry](rows)
		if entries == nil && err == nil {
			entries = []types.HistoryEntry{}
		}
		return entries, err
	})
}

// MarkFired records an event key.
func (s *PostgresStorage) MarkFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		tag, err := s.db.Exec(ctx,
			"INSERT INTO workflow_fired_events (event_key) VALUES ($1) ON CONFLICT DO NOTHING", key)
		if err != nil {
			return false, fmt.Errorf("failed to mark %s fired: %w", key, err)
		}
		return tag.RowsAffected() == 1, nil
	})
}

// IsFired reports whether an event key has been recorded.
func (s *PostgresStorage) IsFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		var fired bool
		err := s.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM workflow_fired_events WHERE event_key = $1)", key).Scan(&fired)
		if err != nil {
			return false, fmt.Errorf("failed to check %s: %w", key, err)
		}
		return fired, nil
	})
}

// Close closes the pool.
func (s *PostgresStorage) Close() error {
	s.db.Close()
	return nil
}

func scanOne[T any](row pgx.Row, errNotFound error, id uint64) (T, error) {
	var zero T
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return zero, fmt.Errorf("failed to read id=%d: %w", id, err)
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal id=%d: %w", id, err)
	}
	return out, nil
}

func scanAll[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
