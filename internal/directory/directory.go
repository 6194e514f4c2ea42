// Package directory exposes the agent/team registry as immutable
// snapshots. Routing and task execution each take one snapshot and use
// it for the whole decision, so a CRUD write mid-task cannot produce a
// torn view.
package directory

import (
	"context"
	"sort"
	"strings"

	"github.com/basket/agentflow/internal/persistence"
)

// Directory loads snapshots from the store.
type Directory struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Directory {
	return &Directory{store: store}
}

// Snapshot is a consistent, read-only view of all agents and teams.
type Snapshot struct {
	agents map[string]persistence.Agent
	teams  map[string]persistence.Team
	ids    []string // agent ids, sorted
}

// Snapshot reads the current registry. The returned value is never
// mutated after construction.
func (d *Directory) Snapshot(ctx context.Context) (*Snapshot, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	teams, err := d.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		agents: make(map[string]persistence.Agent, len(agents)),
		teams:  make(map[string]persistence.Team, len(teams)),
		ids:    make([]string, 0, len(agents)),
	}
	for _, a := range agents {
		snap.agents[a.ID] = a
		snap.ids = append(snap.ids, a.ID)
	}
	sort.Strings(snap.ids)
	for _, t := range teams {
		snap.teams[t.ID] = t
	}
	return snap, nil
}

// Agent looks up an agent by id (case-insensitive).
func (s *Snapshot) Agent(id string) (persistence.Agent, bool) {
	a, ok := s.agents[strings.ToLower(id)]
	return a, ok
}

// Team looks up a team by id (case-insensitive).
func (s *Snapshot) Team(id string) (persistence.Team, bool) {
	t, ok := s.teams[strings.ToLower(id)]
	return t, ok
}

// AgentIDs returns all agent ids in sorted order.
func (s *Snapshot) AgentIDs() []string {
	return s.ids
}

// FirstAgentID returns the lexicographically first agent id, the default
// route when no mention matches. Empty when no agents exist.
func (s *Snapshot) FirstAgentID() string {
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[0]
}

// Len reports the number of registered agents.
func (s *Snapshot) Len() int {
	return len(s.ids)
}
