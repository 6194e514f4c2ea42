package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Group is a WhatsApp group known to the bridge. Only enabled groups get
// their messages routed; everything else is acknowledged and dropped.
type Group struct {
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrGroupNotFound is returned when a group id has no row.
var ErrGroupNotFound = errors.New("group not found")

// UpsertGroup registers or renames a group, preserving its enabled flag
// on update.
func (s *Store) UpsertGroup(ctx context.Context, g Group) (Group, error) {
	if g.GroupID == "" {
		return Group{}, errors.New("upsert group: group_id required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO wa_groups (group_id, name, enabled)
			VALUES (?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				name = excluded.name,
				updated_at = CURRENT_TIMESTAMP;
		`, g.GroupID, g.Name, g.Enabled)
		return err
	})
	if err != nil {
		return Group{}, fmt.Errorf("upsert group: %w", err)
	}
	return s.GetGroup(ctx, g.GroupID)
}

// GetGroup fetches one group by id.
func (s *Store) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var g Group
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, name, enabled, created_at, updated_at FROM wa_groups WHERE group_id = ?;
	`, groupID)
	if err := row.Scan(&g.GroupID, &g.Name, &g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// ListGroups returns all known groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, name, enabled, created_at, updated_at FROM wa_groups ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGroupEnabled flips the routing switch for a group.
func (s *Store) SetGroupEnabled(ctx context.Context, groupID string, enabled bool) (Group, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE wa_groups SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE group_id = ?;
		`, enabled, groupID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Group{}, fmt.Errorf("set group enabled: %w", err)
	}
	if affected == 0 {
		return Group{}, ErrGroupNotFound
	}
	return s.GetGroup(ctx, groupID)
}

// GroupEnabled reports whether a group exists and is enabled. Unknown
// groups are disabled.
func (s *Store) GroupEnabled(ctx context.Context, groupID string) (bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.Enabled, nil
}
