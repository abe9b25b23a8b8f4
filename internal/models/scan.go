package models

import (
	"time"
)

// Status is the lifecycle state of a repository scan as reported by the
// upstream scan service. Active statuses mean work is still in progress
// remotely; terminal statuses never change again and are never polled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCloning   Status = "cloning"
	StatusScanning  Status = "scanning"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the scan is still in flight upstream.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusCloning, StatusScanning:
		return true
	}
	return false
}

// Terminal reports whether the scan has reached a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the forward-only lifecycle: pending <
// cloning < scanning < any terminal state. A status never moves to a
// lower rank, which lets the store reject late-arriving stale patches.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusCloning:
		return 1
	case StatusScanning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s.Active() || s.Terminal()
}

// ResultSummary holds the completion payload. It is only populated by the
// upstream service once a scan completes; a lightweight status probe never
// carries it, which is why a terminal transition triggers a full reload.
type ResultSummary struct {
	FindingCount    int     `json:"finding_count"`
	FilesScanned    int     `json:"files_scanned"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Scan represents one repository scan tracked by the console.
type Scan struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Repo      string         `json:"repo"`
	Status    Status         `json:"status"`
	Result    *ResultSummary `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Subject returns the display identity of the scanned repository.
func (s Scan) Subject() string {
	return s.Owner + "/" + s.Repo
}
