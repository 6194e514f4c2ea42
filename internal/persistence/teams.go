package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Team groups agents under a handle; messages addressed to the team
// handle route to its leader.
type Team struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LeaderAgentID string    `json:"leader_agent_id,omitempty"`
	MemberIDs     []string  `json:"member_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ErrTeamNotFound is returned when a team id has no row.
var ErrTeamNotFound = errors.New("team not found")

const teamColumns = `id, name, COALESCE(leader_agent_id, ''), created_at, updated_at`

func scanTeam(scan func(dest ...any) error, t *Team) error {
	return scan(&t.ID, &t.Name, &t.LeaderAgentID, &t.CreatedAt, &t.UpdatedAt)
}

// CreateTeam inserts a new team. The id is lowercased; it doubles as the
// @handle on chat channels. The leader, when set, must be an existing
// agent and is moved into the team.
func (s *Store) CreateTeam(ctx context.Context, t Team) (Team, error) {
	t.ID = normalizeAgentID(t.ID)
	if t.ID == "" {
		return Team{}, errors.New("create team: id required")
	}
	leader := normalizeAgentID(t.LeaderAgentID)
	if leader != "" {
		if _, err := s.GetAgent(ctx, leader); err != nil {
			return Team{}, fmt.Errorf("create team leader: %w", err)
		}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO teams (id, name, leader_agent_id)
			VALUES (?, ?, NULLIF(?, ''));
		`, t.ID, t.Name, leader)
		return err
	})
	if err != nil {
		return Team{}, fmt.Errorf("create team: %w", err)
	}
	if err := s.adoptLeader(ctx, t.ID, leader); err != nil {
		return Team{}, err
	}
	return s.GetTeam(ctx, t.ID)
}

// UpsertTeam creates or updates a team; used by config seeding. Leader
// handling matches CreateTeam.
func (s *Store) UpsertTeam(ctx context.Context, t Team) (Team, error) {
	t.ID = normalizeAgentID(t.ID)
	if t.ID == "" {
		return Team{}, errors.New("upsert team: id required")
	}
	leader := normalizeAgentID(t.LeaderAgentID)
	if leader != "" {
		if _, err := s.GetAgent(ctx, leader); err != nil {
			return Team{}, fmt.Errorf("upsert team leader: %w", err)
		}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO teams (id, name, leader_agent_id)
			VALUES (?, ?, NULLIF(?, ''))
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				leader_agent_id = excluded.leader_agent_id,
				updated_at = CURRENT_TIMESTAMP;
		`, t.ID, t.Name, leader)
		return err
	})
	if err != nil {
		return Team{}, fmt.Errorf("upsert team: %w", err)
	}
	if err := s.adoptLeader(ctx, t.ID, leader); err != nil {
		return Team{}, err
	}
	return s.GetTeam(ctx, t.ID)
}

// adoptLeader moves the leader agent into the team. A team leader is
// always a member; callers validate the agent exists first.
func (s *Store) adoptLeader(ctx context.Context, teamID, leaderID string) error {
	if leaderID == "" {
		return nil
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET team_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND (team_id IS NULL OR team_id <> ?);
		`, teamID, leaderID, teamID)
		return err
	})
	if err != nil {
		return fmt.Errorf("adopt team leader: %w", err)
	}
	return nil
}

// GetTeam fetches one team with its member agent ids.
func (s *Store) GetTeam(ctx context.Context, id string) (Team, error) {
	var t Team
	row := s.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = ?;`, normalizeAgentID(id))
	if err := scanTeam(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, ErrTeamNotFound
		}
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	members, err := s.teamMembers(ctx, t.ID)
	if err != nil {
		return Team{}, err
	}
	t.MemberIDs = members
	return t, nil
}

func (s *Store) teamMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM agents WHERE team_id = ? ORDER BY id ASC;
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListTeams returns all teams with members, ordered by id.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []Team
	for rows.Next() {
		var t Team
		if err := scanTeam(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		members, err := s.teamMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].MemberIDs = members
	}
	return out, nil
}

// UpdateTeam overwrites a team's name and leader. The leader, when set,
// must be an existing agent and is moved into the team.
func (s *Store) UpdateTeam(ctx context.Context, t Team) (Team, error) {
	t.ID = normalizeAgentID(t.ID)
	leader := normalizeAgentID(t.LeaderAgentID)
	if leader != "" {
		if _, err := s.GetAgent(ctx, leader); err != nil {
			return Team{}, fmt.Errorf("update team leader: %w", err)
		}
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE teams
			SET name = ?, leader_agent_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, t.Name, leader, t.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Team{}, fmt.Errorf("update team: %w", err)
	}
	if affected == 0 {
		return Team{}, ErrTeamNotFound
	}
	if err := s.adoptLeader(ctx, t.ID, leader); err != nil {
		return Team{}, err
	}
	return s.GetTeam(ctx, t.ID)
}

// SetAgentTeam moves an agent into a team, or out of any team when
// teamID is empty.
func (s *Store) SetAgentTeam(ctx context.Context, agentID, teamID string) error {
	agentID = normalizeAgentID(agentID)
	teamID = normalizeAgentID(teamID)
	if teamID != "" {
		if _, err := s.GetTeam(ctx, teamID); err != nil {
			return err
		}
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET team_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, teamID, agentID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set agent team: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// DeleteTeam removes a team and detaches its members.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	id = normalizeAgentID(id)
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete team tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET team_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE team_id = ?;
		`, id); err != nil {
			return fmt.Errorf("detach team members: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTeamNotFound
		}
		return tx.Commit()
	})
}
