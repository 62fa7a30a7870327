package protocol

// Registration is published on zactuator.registry when the actuator
// starts, announcing its identity and the actions it can execute.
type Registration struct {
	Name        string   `json:"name"`
	VerboseName string   `json:"verbose_name,omitempty"`
	Version     string   `json:"version"`
	Actions     []string `json:"actions"`
}
