package cli

import (
	"fmt"
	"sort"

	"github.com/meshforge/runtime/internal/adapter"
	"github.com/meshforge/runtime/internal/lockmanager"
)

// builtinAgent binds a well-known agent id to its adapter constructor and
// the command-subject segment its consumer filters on.
type builtinAgent struct {
	target string
	build  func() adapter.Adapter
}

// builtinAdapters maps well-known agent ids to their registrations.
// External agents embed the engine as a library and register their own.
var builtinAdapters = map[string]builtinAgent{
	lockmanager.AgentID: {
		target: lockmanager.CommandTarget,
		build:  func() adapter.Adapter { return lockmanager.New() },
	},
}

func buildAdapter(agentID string) (adapter.Adapter, string, error) {
	reg, ok := builtinAdapters[agentID]
	if !ok {
		known := make([]string, 0, len(builtinAdapters))
		for id := range builtinAdapters {
			known = append(known, id)
		}
		sort.Strings(known)
		return nil, "", fmt.Errorf("no built-in adapter for agent %q (built-ins: %v)", agentID, known)
	}
	return reg.build(), reg.target, nil
}
