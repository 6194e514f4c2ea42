// Package routing decides which agent handles an inbound message, and
// parses [@handle: instruction] tags out of agent replies for fan-out.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/agentflow/internal/directory"
)

var (
	// ErrUnknownAgent is returned for an explicit agent id that does not
	// exist.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrTeamHasNoLeader is returned when a message addresses a team
	// handle whose team has no leader assigned.
	ErrTeamHasNoLeader = errors.New("team has no leader")

	// ErrNoAgents is returned when the directory is empty.
	ErrNoAgents = errors.New("no agents registered")
)

// mentionPattern matches a leading @handle followed by whitespace and a
// non-empty message body.
var mentionPattern = regexp.MustCompile(`^@(\S+)\s+([\s\S]+)$`)

// Resolve maps an inbound message to a target agent id.
//
// With an explicit agent id (dashboard chat) the message passes through
// untouched. Otherwise a leading "@handle" is tried against teams first,
// then agents; a team routes to its leader. An unrecognized handle falls
// back to the lexicographically first agent with the raw text preserved,
// so the default agent sees the mention it could not claim.
func Resolve(snap *directory.Snapshot, text, channel, senderID, explicitAgentID string) (agentID, message string, err error) {
	if explicitAgentID != "" {
		id := strings.ToLower(strings.TrimSpace(explicitAgentID))
		if _, ok := snap.Agent(id); !ok {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		return id, text, nil
	}

	if snap.Len() == 0 {
		return "", "", ErrNoAgents
	}

	if m := mentionPattern.FindStringSubmatch(text); m != nil {
		handle := strings.ToLower(m[1])
		remainder := m[2]

		if team, ok := snap.Team(handle); ok {
			if team.LeaderAgentID == "" {
				return "", "", fmt.Errorf("%w: %s", ErrTeamHasNoLeader, handle)
			}
			return team.LeaderAgentID, remainder, nil
		}
		if _, ok := snap.Agent(handle); ok {
			return handle, remainder, nil
		}
		// Unknown handle: default agent gets the full text, mention
		// included.
	}

	return snap.FirstAgentID(), text, nil
}
