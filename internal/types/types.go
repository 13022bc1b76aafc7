package types

import "time"

// ComponentState represents the state of a background component (trigger,
// scheduler, status poller).
type ComponentState string

const (
	// ComponentDisabled indicates the component is not configured.
	ComponentDisabled ComponentState = "disabled"
	// ComponentStarting indicates the component is initializing.
	ComponentStarting ComponentState = "starting"
	// ComponentRunning indicates the component is active.
	ComponentRunning ComponentState = "running"
	// ComponentStopped indicates the component has shut down.
	ComponentStopped ComponentState = "stopped"
	// ComponentError indicates the component failed.
	ComponentError ComponentState = "error"
)

// ComponentStatus contains runtime status for one background component.
type ComponentStatus struct {
	State   ComponentState `json:"state"`
	Error   string         `json:"error,omitempty"`
	LastRun time.Time      `json:"last_run,omitzero"` // Scheduled jobs only
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status     string                     `json:"status"` // "ok" or "degraded"
	Version    VersionInfo                `json:"version"`
	Components map[string]ComponentStatus `json:"components"`
	// FeedClients is the number of connected status feed clients.
	FeedClients int `json:"feedClients"`
	// Equipment is the last observed running state per equipment.
	Equipment map[string]string `json:"equipment,omitempty"`
}

// VersionInfo contains build information.
type VersionInfo struct {
	Current   string `json:"current"`              // Current version
	Commit    string `json:"commit,omitempty"`     // Git commit hash
	BuildTime string `json:"build_time,omitempty"` // Build timestamp
}
