package event

// OwnershipChange is the data for ownership.changed events.
type OwnershipChange struct {
	// State is "none" or "external".
	State string `json:"state"`
	// PID is the external owner process when State is "external".
	PID int `json:"pid,omitempty"`
}

// ArchiveNotice is the data for archive.created events.
type ArchiveNotice struct {
	Path string `json:"path"`
	// Reason is "compaction" or "manual".
	Reason string `json:"reason"`
}
