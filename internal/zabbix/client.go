// Package zabbix is a thin typed client for the Zabbix JSON-RPC API
// and the web interface's chart endpoints. It owns session management
// for both surfaces and retries transient failures under a bounded
// deadline; callers see either a result, ErrAuthFailed, or a wrapped
// transport error after the retry budget is spent.
package zabbix

import (
	"context"
	"errors"
	"time"
)

// Client abstracts the Zabbix surface the dispatcher uses.
type Client interface {
	// ItemValues fetches last values for the given item ids.
	ItemValues(ctx context.Context, itemIDs []string) ([]Item, error)

	// HostTriggers fetches problem-state triggers, optionally filtered
	// by host (empty = all hosts) and restricted to the priority set.
	HostTriggers(ctx context.Context, host string, priorities []int) ([]Trigger, error)

	// ItemHistory fetches up to limit values recorded in the last
	// periodHours hours.
	ItemHistory(ctx context.Context, itemID string, periodHours, limit int) ([]HistoryPoint, error)

	// ElementInfo resolves the display name and host of an item or graph.
	ElementInfo(ctx context.Context, source GraphSource, id string) (ElementInfo, error)

	// FetchGraph renders a PNG for an item or graph over the period.
	FetchGraph(ctx context.Context, source GraphSource, id string, periodHours int) ([]byte, error)
}

// ErrAuthFailed marks a permanent credential rejection. It is never
// retried and surfaces to the origin as a distinct service notice.
var ErrAuthFailed = errors.New("zabbix: authorization failed")

// GraphSource selects which chart endpoint renders an image.
type GraphSource string

const (
	SourceItem  GraphSource = "item"  // chart.php, itemids=
	SourceGraph GraphSource = "graph" // chart2.php, graphid=
)

// Item is an item with its last known value.
type Item struct {
	ID        string
	Name      string
	LastValue string
	Hosts     []string
}

// Trigger is a trigger in a problem state.
type Trigger struct {
	ID          string
	Description string
	Priority    int
	LastChange  time.Time
	Hosts       []string
}

// HistoryPoint is one recorded item value.
type HistoryPoint struct {
	Clock time.Time
	Value string
}

// ElementInfo names an item or graph and its first host, used for
// response subjects.
type ElementInfo struct {
	Name string
	Host string
}

// MaxTriggerPriority is the top of Zabbix's 0-5 severity scale.
const MaxTriggerPriority = 5

// PrioritySet expands a (direction, bound) filter into the explicit
// priority list the trigger query expects. Directions: "le", "eq", "ge".
func PrioritySet(direction string, priority int) []int {
	switch direction {
	case "le":
		set := make([]int, 0, priority+1)
		for p := 0; p <= priority; p++ {
			set = append(set, p)
		}
		return set
	case "eq":
		return []int{priority}
	default: // "ge"
		set := make([]int, 0, MaxTriggerPriority-priority+1)
		for p := priority; p <= MaxTriggerPriority; p++ {
			set = append(set, p)
		}
		return set
	}
}
