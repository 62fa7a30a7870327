package hotkeys

import (
	"fmt"

	"github.com/zactuator/zactuator/pkg/protocol"
)

// Action is a hot-key action kind. The set is closed: template files
// referencing any other name are rejected at load.
type Action string

const (
	// ActionHostInfo summarizes a host: trigger counts, item overview,
	// and the configured main graph.
	ActionHostInfo Action = "hostinfo"
	// ActionGetItems returns last values for the entry's items.
	ActionGetItems Action = "getitems"
	// ActionGraph renders a value graph for an item or a graph entity.
	ActionGraph Action = "graph"
	// ActionHistory returns paginated item value history.
	ActionHistory Action = "history"
	// ActionBadTriggers lists triggers in a problem state, filtered by
	// priority.
	ActionBadTriggers Action = "badtriggers"
	// ActionHotKeys lists the actions available for the entity.
	ActionHotKeys Action = "hotkeys"
)

var allActions = map[Action]struct{}{
	ActionHostInfo:    {},
	ActionGetItems:    {},
	ActionGraph:       {},
	ActionHistory:     {},
	ActionBadTriggers: {},
	ActionHotKeys:     {},
}

// actionsByEntity maps each entity type to the action kinds its
// templates may declare. A host-scoped action on an item or graph
// record would reach the monitoring client with no host filter, so the
// mismatch is rejected at load, not at dispatch.
var actionsByEntity = map[protocol.EntityType]map[Action]struct{}{
	protocol.EntityHost: {
		ActionHostInfo:    {},
		ActionGetItems:    {},
		ActionGraph:       {},
		ActionBadTriggers: {},
		ActionHotKeys:     {},
	},
	protocol.EntityItem: {
		ActionGetItems: {},
		ActionGraph:    {},
		ActionHistory:  {},
	},
	protocol.EntityGraph: {
		ActionGraph: {},
	},
}

// ParseAction validates a raw action name.
func ParseAction(s string) (Action, error) {
	if _, ok := allActions[Action(s)]; !ok {
		return "", fmt.Errorf("unknown action kind: %q", s)
	}
	return Action(s), nil
}

// ActionNames returns every known action name, for the broker
// registration announcement.
func ActionNames() []string {
	return []string{
		string(ActionHostInfo),
		string(ActionGetItems),
		string(ActionGraph),
		string(ActionHistory),
		string(ActionBadTriggers),
		string(ActionHotKeys),
	}
}
