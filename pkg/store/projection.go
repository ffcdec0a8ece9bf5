package store

import (
	"context"
	"time"
)

// ProjectionStatus represents the current operational status of a projection.
type ProjectionStatus string

const (
	// ProjectionStatusReady indicates the projection is processing normally
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding indicates the projection is being rebuilt from scratch
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed indicates the projection stopped on an error
	ProjectionStatusFailed ProjectionStatus = "FAILED"

	// ProjectionStatusPaused indicates the projection is paused (not processing events)
	ProjectionStatusPaused ProjectionStatus = "PAUSED"
)

// ProjectionState tracks the operational state of a shard.
type ProjectionState struct {
	ShardName string
	Status    ProjectionStatus
	Message   string // Optional status message (e.g., error details)
	UpdatedAt time.Time
	Progress  *RebuildProgress // Set while rebuilding
}

// RebuildProgress tracks progress during a rebuild.
type RebuildProgress struct {
	EventsProcessed int64
	TargetSequence  int64
	StartedAt       time.Time
}

// ProjectionStatusStore persists shard status for monitoring.
type ProjectionStatusStore interface {
	SaveProjectionStatus(ctx context.Context, state ProjectionState) error

	// LoadProjectionStatus returns ErrNotFound when the shard never reported a status.
	LoadProjectionStatus(ctx context.Context, shardName string) (ProjectionState, error)
}
