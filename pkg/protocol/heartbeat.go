package protocol

import "time"

// Heartbeat is published on zactuator.heartbeat.<name> every 30s.
type Heartbeat struct {
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	LastCommand       time.Time `json:"last_command"`
	CommandsProcessed int64     `json:"commands_processed"`
	Errors            int64     `json:"errors"`
}
