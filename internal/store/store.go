// SPDX-License-Identifier: Apache-2.0

// Package store is the engine's data-store boundary: point reads, the
// atomic escalation-step claim, the due-escalation range scan, and
// append-only timeline writes.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotaops/rota/internal/models"
)

// ErrNotFound is returned for point reads that match no record.
var ErrNotFound = errors.New("record not found")

// NextStep describes the follow-up step persisted when an escalation step
// finishes with more steps remaining.
type NextStep struct {
	Index int
	At    time.Time
}

// Directory is the read side consulted during target resolution.
type Directory interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	TeamByID(ctx context.Context, id int64) (*models.Team, error)
	TeamMembers(ctx context.Context, teamID int64) ([]models.User, error)
	ScheduleByID(ctx context.Context, id int64) (*models.Schedule, error)
	ScheduleLayers(ctx context.Context, scheduleID int64) ([]models.Layer, error)
	ActiveOverrides(ctx context.Context, scheduleID int64, at time.Time) ([]models.Override, error)
}

// IncidentStore is everything the escalation state machine and batch
// processor need. Every state transition is durably persisted; the claim is
// the only guard against duplicate step execution and it lives here, not in
// process memory.
type IncidentStore interface {
	IncidentByID(ctx context.Context, id int64) (*models.Incident, error)
	PolicyByID(ctx context.Context, id int64) (*models.EscalationPolicy, error)

	// ClaimEscalationStep atomically claims a step for execution: it
	// matches the expected current step (nil for a first-step claim), a
	// status of ESCALATING (or unset for a first-step claim), and a
	// processing lock that is unset or older than lockTimeout, setting the
	// lock to now in the same update. Returns false when another worker
	// holds the claim.
	ClaimEscalationStep(ctx context.Context, incidentID int64, expectedStep *int, now time.Time, lockTimeout time.Duration) (bool, error)

	// ScheduleEscalation records a future wake-up without touching the
	// lock: status ESCALATING, the given step index, next_escalation_at.
	ScheduleEscalation(ctx context.Context, incidentID int64, step int, nextAt time.Time) error

	// FinishEscalationStep releases the lock and either arms the next step
	// (next non-nil) or marks the escalation COMPLETED with timing cleared.
	FinishEscalationStep(ctx context.Context, incidentID int64, next *NextStep) error

	ReleaseEscalationLock(ctx context.Context, incidentID int64) error

	// ClearEscalation resets an incident to the inert state (no policy).
	ClearEscalation(ctx context.Context, incidentID int64) error

	// CompleteEscalation forces the terminal state regardless of lock
	// ownership. Used by the batch processor for fatal outcomes.
	CompleteEscalation(ctx context.Context, incidentID int64) error

	// AssignIfUnassigned assigns the incident to the given user or team
	// only if it is still unassigned at write time.
	AssignIfUnassigned(ctx context.Context, incidentID, userID, teamID int64) (bool, error)

	// DueEscalations returns incidents whose next escalation is due,
	// oldest first, excluding paused/closed incidents and fresh locks.
	DueEscalations(ctx context.Context, now time.Time, lockTimeout time.Duration, limit int) ([]models.Incident, error)

	PauseEscalation(ctx context.Context, incidentID int64) error
	ResumeEscalation(ctx context.Context, incidentID int64, now time.Time) error

	AppendTimeline(ctx context.Context, incidentID int64, kind, message string) error
	RecordNotification(ctx context.Context, rec models.NotificationRecord) error
}

// Store is the full collaborator surface backed by one database.
type Store interface {
	Directory
	IncidentStore
}

// IsRetryable classifies store errors the batch processor may retry on the
// next sweep: serialization conflicts, lock contention, connection drops.
// Anything else is treated as fatal for the incident at hand.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"deadlock",
		"serialization",
		"connection",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
