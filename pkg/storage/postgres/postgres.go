// Package postgres implements pkg/storage.Store on top of Postgres via
// pgx/sqlx, enriched from the rest of the retrieval pack (Warren
// has no SQL backend of its own). The session/kernel status_history
// append uses a genuine atomic jsonb concatenation
// (status_history = status_history || $entry) inside the UPDATE
// statement itself, rather than reading the row, appending in Go, and
// writing it back - the read-modify-write shape would lose concurrent
// appends under two managers racing to terminate different kernels of
// the same session.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration for sqlx
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	scaling_group TEXT NOT NULL,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	scaling_group TEXT NOT NULL,
	status TEXT NOT NULL,
	status_history JSONB NOT NULL DEFAULT '[]',
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS kernels (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	status_history JSONB NOT NULL DEFAULT '[]',
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS scaling_groups (
	name TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
`

// Store implements storage.Store on Postgres.
type Store struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// Open connects to dsn, runs the (idempotent) schema migration, and
// returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "connect to postgres", err)
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "sqlx connect to postgres", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		db.Close()
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "apply schema", err)
	}
	return &Store{pool: pool, db: db}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

func (s *Store) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, scaling_group, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET scaling_group = $2, data = $3
	`, agent.ID, agent.ScalingGroup, data)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM agents WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeNotFound, "agent not found: "+string(id), err)
	}
	var agent domain.Agent
	return &agent, json.Unmarshal(data, &agent)
}

func (s *Store) ListAgents(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM agents WHERE $1 = '' OR scaling_group = $1`, sg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []*domain.Agent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var agent domain.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id domain.AgentID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return err
}

// IncrementAgentOccupancy locks the agent row for the duration of the
// transaction (SELECT ... FOR UPDATE), unlike bolt's implicit
// single-writer transactions, since two managers could otherwise both
// read the pre-increment row and overwrite each other's update.
func (s *Store) IncrementAgentOccupancy(ctx context.Context, id domain.AgentID, delta resource.Slot, containerDelta int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var data []byte
	if err := tx.QueryRow(ctx, `SELECT data FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&data); err != nil {
		return schederr.Wrap(schederr.CodeNotFound, "agent not found: "+string(id), err)
	}
	var agent domain.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return err
	}
	agent.OccupiedSlots = agent.OccupiedSlots.Add(delta)
	agent.ContainerCount += containerDelta
	if !agent.OccupiedSlots.LessThanOrEqual(agent.AvailableSlots) {
		return schederr.New(schederr.CodeAllocationConflict,
			"agent "+string(id)+" occupancy would exceed available slots")
	}
	out, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET data = $1 WHERE id = $2`, out, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	history, err := json.Marshal(session.StatusHistory)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, scaling_group, status, status_history, data)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.ScalingGroup, session.Status, history, data)
	return err
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeNotFound, "session not found: "+string(id), err)
	}
	var session domain.Session
	return &session, json.Unmarshal(data, &session)
}

func (s *Store) ListPendingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM sessions
		WHERE status = $1 AND ($2 = '' OR scaling_group = $2)
	`, domain.SessionStatusPending, sg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*domain.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *Store) ListActiveSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	statuses := []string{
		string(domain.SessionStatusScheduled),
		string(domain.SessionStatusPreparing),
		string(domain.SessionStatusRunning),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM sessions
		WHERE status = ANY($1) AND ($2 = '' OR scaling_group = $2)
	`, statuses, sg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*domain.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *Store) ListTerminatingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM sessions
		WHERE status = $1 AND ($2 = '' OR scaling_group = $2)
	`, domain.SessionStatusTerminating, sg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*domain.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// AppendSessionStatus concatenates entry onto status_history with a
// single atomic jsonb || jsonb UPDATE, the genuine fix for the
// read-modify-write race a naive "read session, append in Go, write
// back" implementation would have.
func (s *Store) AppendSessionStatus(ctx context.Context, id domain.SessionID, entry domain.StatusHistoryEntry, newStatus domain.SessionStatus) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $1,
		    status_history = status_history || $2::jsonb,
		    data = jsonb_set(jsonb_set(data, '{Status}', to_jsonb($1::text)), '{StatusInfo}', to_jsonb($3::text))
		WHERE id = $4
	`, newStatus, entryJSON, entry.Reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schederr.New(schederr.CodeNotFound, "session not found: "+string(id))
	}
	return nil
}

func (s *Store) CreateKernel(ctx context.Context, kernel *domain.Kernel) error {
	data, err := json.Marshal(kernel)
	if err != nil {
		return err
	}
	history, err := json.Marshal(kernel.StatusHistory)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO kernels (id, session_id, status, status_history, data)
		VALUES ($1, $2, $3, $4, $5)
	`, kernel.ID, kernel.SessionID, kernel.Status, history, data)
	return err
}

func (s *Store) GetKernel(ctx context.Context, id domain.KernelID) (*domain.Kernel, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM kernels WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeNotFound, "kernel not found: "+string(id), err)
	}
	var kernel domain.Kernel
	return &kernel, json.Unmarshal(data, &kernel)
}

func (s *Store) ListKernelsBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.Kernel, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM kernels WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kernels []*domain.Kernel
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var kernel domain.Kernel
		if err := json.Unmarshal(data, &kernel); err != nil {
			return nil, err
		}
		kernels = append(kernels, &kernel)
	}
	return kernels, rows.Err()
}

func (s *Store) AppendKernelStatus(ctx context.Context, id domain.KernelID, entry domain.StatusHistoryEntry, newStatus domain.KernelStatus) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE kernels
		SET status = $1,
		    status_history = status_history || $2::jsonb,
		    data = jsonb_set(jsonb_set(data, '{Status}', to_jsonb($1::text)), '{StatusInfo}', to_jsonb($3::text))
		WHERE id = $4
	`, newStatus, entryJSON, entry.Reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schederr.New(schederr.CodeNotFound, "kernel not found: "+string(id))
	}
	return nil
}

func (s *Store) AssignKernelAgent(ctx context.Context, id domain.KernelID, agentID domain.AgentID, agentAddr string, slots resource.Slot) error {
	slotsJSON, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE kernels
		SET data = jsonb_set(
		      jsonb_set(
		        jsonb_set(data, '{AgentID}', to_jsonb($1::text)),
		        '{AgentAddr}', to_jsonb($2::text)),
		      '{OccupiedSlots}', $3::jsonb)
		WHERE id = $4
	`, agentID, agentAddr, slotsJSON, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schederr.New(schederr.CodeNotFound, "kernel not found: "+string(id))
	}
	return nil
}

func (s *Store) ListScalingGroups(ctx context.Context) ([]domain.ScalingGroupInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM scaling_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []domain.ScalingGroupInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var info domain.ScalingGroupInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		groups = append(groups, info)
	}
	return groups, rows.Err()
}

func (s *Store) GetScalingGroup(ctx context.Context, name domain.ScalingGroupName) (domain.ScalingGroupInfo, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM scaling_groups WHERE name = $1`, name).Scan(&data)
	if err != nil {
		return domain.ScalingGroupInfo{}, schederr.Wrap(schederr.CodeNotFound, "scaling group not found: "+string(name), err)
	}
	var info domain.ScalingGroupInfo
	return info, json.Unmarshal(data, &info)
}

// PutScalingGroup is an administrative helper outside storage.Store,
// mirroring bolt.Store.PutScalingGroup.
func (s *Store) PutScalingGroup(ctx context.Context, info domain.ScalingGroupInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scaling_groups (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = $2
	`, info.Name, data)
	return err
}
