package model

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// PresenceState is derived from the registry's live connection count, never
// authoritative on its own: zero connections always means offline, whatever
// status the user last requested.
type PresenceState struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}
