package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Agent is a registered agent identity: who it is, which model backs it,
// and the soul (system prompt) it speaks with.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Soul      string    `json:"soul"`
	TeamID    string    `json:"team_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrAgentNotFound is returned when an agent id has no row.
var ErrAgentNotFound = errors.New("agent not found")

const agentColumns = `id, name, provider, model, soul, COALESCE(team_id, ''), created_at, updated_at`

func scanAgent(scan func(dest ...any) error, a *Agent) error {
	return scan(&a.ID, &a.Name, &a.Provider, &a.Model, &a.Soul, &a.TeamID, &a.CreatedAt, &a.UpdatedAt)
}

func normalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// CreateAgent inserts a new agent. The id is lowercased; it doubles as
// the @handle on chat channels.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	a.ID = normalizeAgentID(a.ID)
	if a.ID == "" {
		return Agent{}, errors.New("create agent: id required")
	}
	if a.Provider == "" {
		a.Provider = "anthropic"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, provider, model, soul, team_id)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''));
		`, a.ID, a.Name, a.Provider, a.Model, a.Soul, a.TeamID)
		return err
	})
	if err != nil {
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

// UpsertAgent creates or updates an agent, used for config-seeded agents
// at startup and on config reload.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (Agent, error) {
	a.ID = normalizeAgentID(a.ID)
	if a.ID == "" {
		return Agent{}, errors.New("upsert agent: id required")
	}
	if a.Provider == "" {
		a.Provider = "anthropic"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, provider, model, soul, team_id)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				provider = excluded.provider,
				model = excluded.model,
				soul = excluded.soul,
				team_id = excluded.team_id,
				updated_at = CURRENT_TIMESTAMP;
		`, a.ID, a.Name, a.Provider, a.Model, a.Soul, a.TeamID)
		return err
	})
	if err != nil {
		return Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, normalizeAgentID(id))
	if err := scanAgent(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent overwrites the mutable fields of an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) (Agent, error) {
	a.ID = normalizeAgentID(a.ID)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET name = ?, provider = ?, model = ?, soul = ?, team_id = NULLIF(?, ''),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, a.Name, a.Provider, a.Model, a.Soul, a.TeamID, a.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Agent{}, fmt.Errorf("update agent: %w", err)
	}
	if affected == 0 {
		return Agent{}, ErrAgentNotFound
	}
	return s.GetAgent(ctx, a.ID)
}

// DeleteAgent removes an agent and clears any team leadership it held.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	id = normalizeAgentID(id)
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE teams SET leader_agent_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE leader_agent_id = ?;
		`, id); err != nil {
			return fmt.Errorf("clear team leadership: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrAgentNotFound
		}
		return tx.Commit()
	})
}
