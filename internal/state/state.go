// Package state keeps the local history of fleet deploys so the CLI can show
// what was last rolled out and where it failed.
package state

import (
	"context"
	"time"
)

// DeploySnapshot captures the outcome of the last deploy of a service.
type DeploySnapshot struct {
	Version    string            `json:"version"`
	Hosts      []string          `json:"hosts"`
	Failed     map[string]string `json:"failed,omitempty"`
	Audit      []string          `json:"audit,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Succeeded reports whether every host took the version.
func (s DeploySnapshot) Succeeded() bool {
	return len(s.Failed) == 0
}

// State stores the latest deploy per service key.
type State struct {
	Deploys map[string]DeploySnapshot `json:"deploys"`
}

// Key identifies a service deployed to an optional destination.
func Key(service, destination string) string {
	if destination == "" {
		return service
	}
	return service + "-" + destination
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
