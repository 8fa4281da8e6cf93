package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresStore returns a Postgres-backed mission store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres mission store requires pool")
	}
	return &PostgresStore{pool: pool}, nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Init creates the schema when missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS missions (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL DEFAULT '',
    user_request TEXT NOT NULL,
    status TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS mission_plans (
    mission_id TEXT PRIMARY KEY REFERENCES missions(id) ON DELETE CASCADE,
    plan JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS mission_notes (
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    note_id TEXT NOT NULL,
    note JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (mission_id, note_id)
);

CREATE TABLE IF NOT EXISTS mission_goals (
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    goal_id TEXT NOT NULL,
    text TEXT NOT NULL,
    status TEXT NOT NULL,
    source_agent TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (mission_id, goal_id)
);

CREATE TABLE IF NOT EXISTS mission_thoughts (
    id BIGSERIAL PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    agent_name TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS mission_thoughts_mission_idx ON mission_thoughts(mission_id, id);

CREATE TABLE IF NOT EXISTS mission_sections (
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (mission_id, section_id)
);

CREATE TABLE IF NOT EXISTS mission_note_assignments (
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    note_ids JSONB NOT NULL,
    PRIMARY KEY (mission_id, section_id)
);

CREATE TABLE IF NOT EXISTS mission_execution_log (
    id BIGSERIAL PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    step JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS mission_execution_log_mission_idx ON mission_execution_log(mission_id, id);

CREATE TABLE IF NOT EXISTS mission_stats (
    mission_id TEXT PRIMARY KEY REFERENCES missions(id) ON DELETE CASCADE,
    stats JSONB NOT NULL
);
`)
	return err
}

func (s *PostgresStore) CreateMission(ctx context.Context, m Mission) error {
	meta, err := json.Marshal(orEmptyMeta(m.Metadata))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO missions (id, chat_id, user_request, status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ChatID, m.UserRequest, string(m.Status), meta, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgresStore) GetMission(ctx context.Context, id string) (Mission, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, chat_id, user_request, status, metadata, created_at, updated_at
FROM missions WHERE id = $1`, id)
	var m Mission
	var status string
	var meta []byte
	if err := row.Scan(&m.ID, &m.ChatID, &m.UserRequest, &status, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mission{}, ErrNotFound
		}
		return Mission{}, err
	}
	m.Status = Status(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m.Metadata)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMissionStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE missions SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMissionMetadata(ctx context.Context, id string, patch map[string]any) error {
	b, err := json.Marshal(orEmptyMeta(patch))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE missions SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1`, id, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StorePlan(ctx context.Context, missionID string, plan Plan) error {
	b, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mission_plans (mission_id, plan) VALUES ($1, $2)
ON CONFLICT (mission_id) DO UPDATE SET plan = EXCLUDED.plan`, missionID, b)
	return err
}

func (s *PostgresStore) GetPlan(ctx context.Context, missionID string) (*Plan, error) {
	row := s.pool.QueryRow(ctx, `SELECT plan FROM mission_plans WHERE mission_id = $1`, missionID)
	var b []byte
	if err := row.Scan(&b); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) StoreNotes(ctx context.Context, missionID string, notes []Note) error {
	batch := &pgx.Batch{}
	for _, n := range notes {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO mission_notes (mission_id, note_id, note) VALUES ($1, $2, $3)
ON CONFLICT (mission_id, note_id) DO UPDATE SET note = EXCLUDED.note`, missionID, n.ID, b)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetNotes(ctx context.Context, missionID string) ([]Note, error) {
	rows, err := s.pool.Query(ctx, `
SELECT note FROM mission_notes WHERE mission_id = $1 ORDER BY created_at, note_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var n Note
		if err := json.Unmarshal(b, &n); err != nil {
			return nil, fmt.Errorf("decode note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DiscardNotes(ctx context.Context, missionID string, noteIDs []string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM mission_notes WHERE mission_id = $1 AND note_id = ANY($2)`, missionID, noteIDs)
	return err
}

func (s *PostgresStore) AddGoal(ctx context.Context, missionID string, goal GoalEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO mission_goals (mission_id, goal_id, text, status, source_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (mission_id, goal_id) DO UPDATE SET text = EXCLUDED.text, status = EXCLUDED.status`,
		missionID, goal.ID, goal.Text, string(goal.Status), goal.SourceAgent, goal.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateGoalStatus(ctx context.Context, missionID, goalID string, status GoalStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE mission_goals SET status = $3 WHERE mission_id = $1 AND goal_id = $2`, missionID, goalID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetGoals(ctx context.Context, missionID string) ([]GoalEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT goal_id, text, status, source_agent, created_at
FROM mission_goals WHERE mission_id = $1 ORDER BY created_at, goal_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GoalEntry
	for rows.Next() {
		var g GoalEntry
		var status string
		if err := rows.Scan(&g.ID, &g.Text, &status, &g.SourceAgent, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Status = GoalStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddThought(ctx context.Context, missionID string, entry ThoughtEntry, limit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
INSERT INTO mission_thoughts (mission_id, agent_name, content, created_at)
VALUES ($1, $2, $3, $4)`, missionID, entry.AgentName, entry.Content, entry.CreatedAt); err != nil {
		return err
	}
	if limit > 0 {
		// FIFO eviction beyond the thought pad limit.
		if _, err := tx.Exec(ctx, `
DELETE FROM mission_thoughts
WHERE mission_id = $1 AND id NOT IN (
    SELECT id FROM mission_thoughts WHERE mission_id = $1 ORDER BY id DESC LIMIT $2
)`, missionID, limit); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetThoughts(ctx context.Context, missionID string) ([]ThoughtEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent_name, content, created_at FROM mission_thoughts
WHERE mission_id = $1 ORDER BY id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThoughtEntry
	for rows.Next() {
		var t ThoughtEntry
		if err := rows.Scan(&t.AgentName, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreReportSection(ctx context.Context, missionID, sectionID, content string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO mission_sections (mission_id, section_id, content, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (mission_id, section_id) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		missionID, sectionID, content)
	return err
}

func (s *PostgresStore) GetReportSections(ctx context.Context, missionID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT section_id, content FROM mission_sections WHERE mission_id = $1`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		out[id] = content
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordNoteAssignment(ctx context.Context, missionID, sectionID string, noteIDs []string) error {
	b, err := json.Marshal(noteIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mission_note_assignments (mission_id, section_id, note_ids)
VALUES ($1, $2, $3)
ON CONFLICT (mission_id, section_id) DO UPDATE SET note_ids = EXCLUDED.note_ids`,
		missionID, sectionID, b)
	return err
}

func (s *PostgresStore) GetNoteAssignments(ctx context.Context, missionID string) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT section_id, note_ids FROM mission_note_assignments WHERE mission_id = $1`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id string
		var b []byte
		if err := rows.Scan(&id, &b); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal(b, &ids); err != nil {
			return nil, err
		}
		out[id] = ids
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendExecutionStep(ctx context.Context, missionID string, step ExecutionStep) error {
	b, err := json.Marshal(step)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mission_execution_log (mission_id, step, created_at) VALUES ($1, $2, $3)`,
		missionID, b, step.Timestamp)
	return err
}

func (s *PostgresStore) GetExecutionLog(ctx context.Context, missionID string, limit int) ([]ExecutionStep, error) {
	q := `SELECT step FROM mission_execution_log WHERE mission_id = $1 ORDER BY id`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, `
SELECT step FROM (
    SELECT id, step FROM mission_execution_log WHERE mission_id = $1 ORDER BY id DESC LIMIT $2
) t ORDER BY id`, missionID, limit)
	} else {
		rows, err = s.pool.Query(ctx, q, missionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionStep
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var step ExecutionStep
		if err := json.Unmarshal(b, &step); err != nil {
			return nil, fmt.Errorf("decode execution step: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStats(ctx context.Context, missionID string, apply func(*Stats)) (Stats, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback(ctx)

	var st Stats
	var b []byte
	row := tx.QueryRow(ctx, `SELECT stats FROM mission_stats WHERE mission_id = $1 FOR UPDATE`, missionID)
	switch err := row.Scan(&b); {
	case err == nil:
		if err := json.Unmarshal(b, &st); err != nil {
			return Stats{}, fmt.Errorf("decode stats: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		st = Stats{PerAgent: map[string]AgentStats{}}
	default:
		return Stats{}, err
	}
	if st.PerAgent == nil {
		st.PerAgent = map[string]AgentStats{}
	}
	apply(&st)
	nb, err := json.Marshal(st)
	if err != nil {
		return Stats{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO mission_stats (mission_id, stats) VALUES ($1, $2)
ON CONFLICT (mission_id) DO UPDATE SET stats = EXCLUDED.stats`, missionID, nb); err != nil {
		return Stats{}, err
	}
	return st, tx.Commit(ctx)
}

func (s *PostgresStore) GetStats(ctx context.Context, missionID string) (Stats, error) {
	row := s.pool.QueryRow(ctx, `SELECT stats FROM mission_stats WHERE mission_id = $1`, missionID)
	var b []byte
	if err := row.Scan(&b); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stats{}, nil
		}
		return Stats{}, err
	}
	var st Stats
	if err := json.Unmarshal(b, &st); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return st, nil
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
