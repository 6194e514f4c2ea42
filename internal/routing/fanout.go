package routing

import (
	"regexp"
	"strings"

	"github.com/basket/agentflow/internal/directory"
)

// ChildSpec is one fan-out target extracted from an agent reply.
type ChildSpec struct {
	AgentID     string
	Instruction string
}

// tagPattern matches [@handle: instruction]. The handle part may be a
// comma-separated list; the instruction runs to the first close bracket.
var tagPattern = regexp.MustCompile(`\[@([^\s:\]]+):\s*([^\]]*)\]`)

var (
	spaceRuns = regexp.MustCompile(`[ \t]{2,}`)
	lineEdges = regexp.MustCompile(`(?m)^[ \t]+|[ \t]+$`)
)

// ParseFanout extracts child task specs from an agent reply and returns
// the reply with all tags removed. Self-mentions, duplicates, and
// handles not in the snapshot are dropped; their tags are still stripped
// from the visible text. Spec order follows reply order, first
// occurrence wins.
func ParseFanout(reply, selfID string, snap *directory.Snapshot) (cleaned string, specs []ChildSpec) {
	selfID = strings.ToLower(selfID)
	seen := map[string]struct{}{}

	for _, m := range tagPattern.FindAllStringSubmatch(reply, -1) {
		instruction := strings.TrimSpace(m[2])
		for _, handle := range strings.Split(m[1], ",") {
			id := strings.ToLower(strings.TrimSpace(handle))
			if id == "" || id == selfID {
				continue
			}
			if _, ok := snap.Agent(id); !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			specs = append(specs, ChildSpec{AgentID: id, Instruction: instruction})
		}
	}

	cleaned = tagPattern.ReplaceAllString(reply, "")
	cleaned = spaceRuns.ReplaceAllString(cleaned, " ")
	cleaned = lineEdges.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, specs
}
