package protocol

import "fmt"

// EntityType names the kind of monitoring entity a command targets.
type EntityType string

const (
	EntityHost  EntityType = "host"
	EntityItem  EntityType = "item"
	EntityGraph EntityType = "graph"
)

// ParseEntityType validates a raw entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityHost, EntityItem, EntityGraph:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// EntityRef names a host, item, or graph in the monitoring system.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + "/" + r.ID
}

// Origin identifies the channel and user a command came from, used to
// route the response back.
type Origin struct {
	Channel string `json:"channel"`
	User    string `json:"user,omitempty"`
}

// Command is the canonical command envelope decoded from the inbound
// event stream. Immutable once received.
type Command struct {
	ID     string         `json:"id"`
	Target EntityRef      `json:"target"`
	Action string         `json:"action"`
	Origin Origin         `json:"origin"`
	Args   map[string]any `json:"args,omitempty"`
}

// Validate checks the fields the dispatcher cannot work without.
func (c Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("command has no id")
	}
	if c.Action == "" {
		return fmt.Errorf("command %s has no action", c.ID)
	}
	if _, err := ParseEntityType(string(c.Target.Type)); err != nil {
		return fmt.Errorf("command %s: %w", c.ID, err)
	}
	return nil
}

// IntArg returns an integer argument, falling back to def when the
// argument is absent. JSON numbers arrive as float64.
func (c Command) IntArg(key string, def int) int {
	v, ok := c.Args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

// StringArg returns a string argument, falling back to def when absent.
func (c Command) StringArg(key, def string) string {
	if v, ok := c.Args[key].(string); ok && v != "" {
		return v
	}
	return def
}
