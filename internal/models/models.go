// SPDX-License-Identifier: Apache-2.0

// Package models holds the domain records the engine reads from and writes
// to the data store: users, teams, schedules with their rotation layers,
// manual overrides, escalation policies, and incidents.
package models

import "time"

type User struct {
	ID                   int64
	Name                 string
	Email                string
	NotificationsEnabled bool
	Channels             []ChannelType // preferred notification channels, in order
	CreatedAt            time.Time
}

type Team struct {
	ID        int64
	Name      string
	LeadID    int64 // 0 when the team has no lead
	CreatedAt time.Time
}

// LayerUser is one slot in a layer's rotation order.
type LayerUser struct {
	UserID   int64
	UserName string
	Position int
}

// Restriction limits a layer to certain weekdays and/or an hour-of-day range
// evaluated in the schedule's timezone. StartHour > EndHour denotes an
// overnight window, e.g. 18-06.
type Restriction struct {
	DaysOfWeek []int // 0 = Sunday .. 6 = Saturday
	StartHour  *int
	EndHour    *int
}

// Layer is a named rotation definition owned by a schedule. Blocks are
// derived from it on demand, never stored.
type Layer struct {
	ID                  int64
	ScheduleID          int64
	Name                string
	Users               []LayerUser // ordered by Position
	Start               time.Time
	End                 *time.Time
	RotationLengthHours float64
	ShiftLengthHours    float64 // 0 means "same as rotation length"
	Restriction         *Restriction
	Priority            int // only consulted when merging sibling layers
}

// RotationLength returns the layer's rotation period as a duration.
func (l Layer) RotationLength() time.Duration {
	return time.Duration(l.RotationLengthHours * float64(time.Hour))
}

// ShiftLength returns the on-duty duration per rotation period, defaulting
// to the full rotation length when unset.
func (l Layer) ShiftLength() time.Duration {
	if l.ShiftLengthHours <= 0 {
		return l.RotationLength()
	}
	return time.Duration(l.ShiftLengthHours * float64(time.Hour))
}

// Override is a manual substitution spliced on top of computed rotation
// blocks. ReplacesUserID of 0 overrides any user in the window.
type Override struct {
	ID             int64
	ScheduleID     int64
	UserID         int64
	UserName       string
	Start          time.Time
	End            time.Time
	ReplacesUserID int64
}

type BlockSource string

const (
	SourceRotation BlockSource = "rotation"
	SourceOverride BlockSource = "override"
)

// OnCallBlock is a derived, ephemeral on-duty interval. Within one layer's
// output blocks are non-overlapping and ordered by start time.
type OnCallBlock struct {
	ID        string
	Start     time.Time
	End       time.Time
	UserID    int64
	UserName  string
	LayerID   int64
	LayerName string
	Source    BlockSource
}

// Contains reports whether t falls inside the block's [Start, End) interval.
func (b OnCallBlock) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

type Schedule struct {
	ID        int64
	Name      string
	TimeZone  string // IANA name; empty means UTC
	CreatedAt time.Time
}

type TargetType string

const (
	TargetUser     TargetType = "USER"
	TargetTeam     TargetType = "TEAM"
	TargetSchedule TargetType = "SCHEDULE"
)

// EscalationStep is one rung of a policy. DelayMinutes is the wait before
// the step fires, relative to the previous step or incident creation.
type EscalationStep struct {
	ID                 int64
	PolicyID           int64
	Index              int
	TargetType         TargetType
	TargetID           int64
	DelayMinutes       int
	NotifyOnlyTeamLead bool
	Channels           []ChannelType // per-step channel override, empty = user preference
}

type EscalationPolicy struct {
	ID    int64
	Name  string
	Steps []EscalationStep // ordered by Index
}

type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "OPEN"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentSnoozed      IncidentStatus = "SNOOZED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

type EscalationStatus string

const (
	// EscalationNone marks incidents with no escalation lifecycle at all.
	EscalationNone       EscalationStatus = ""
	EscalationEscalating EscalationStatus = "ESCALATING"
	EscalationPaused     EscalationStatus = "PAUSED"
	EscalationCompleted  EscalationStatus = "COMPLETED"
)

type Incident struct {
	ID         int64
	Title      string
	ServiceID  int64
	PolicyID   int64 // 0 when the service has no escalation policy
	AssigneeID int64 // 0 = unassigned
	TeamID     int64 // 0 = no owning team
	Status     IncidentStatus

	EscalationStatus      EscalationStatus
	CurrentEscalationStep *int
	NextEscalationAt      *time.Time
	// EscalationProcessingAt is the mutual-exclusion lock timestamp set by
	// the atomic step claim; stale values are overridden after the
	// configured lock timeout.
	EscalationProcessingAt *time.Time

	CreatedAt time.Time
}

// ChannelType identifies an outbound notification capability.
type ChannelType string

const (
	ChannelEmail    ChannelType = "EMAIL"
	ChannelSMS      ChannelType = "SMS"
	ChannelPush     ChannelType = "PUSH"
	ChannelSlack    ChannelType = "SLACK"
	ChannelWebhook  ChannelType = "WEBHOOK"
	ChannelWhatsApp ChannelType = "WHATSAPP"
)

// TimelineEvent is an append-only record of an externally visible incident
// transition.
type TimelineEvent struct {
	ID         string
	IncidentID int64
	Kind       string
	Message    string
	CreatedAt  time.Time
}

// NotificationRecord captures the durable outcome of one send attempt.
type NotificationRecord struct {
	ID         string
	IncidentID int64
	UserID     int64
	Channel    ChannelType
	Success    bool
	Error      string
	CreatedAt  time.Time
}
