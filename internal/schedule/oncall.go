// SPDX-License-Identifier: Apache-2.0

// oncall.go answers "who is on call right now" for an escalation target,
// consulting active overrides first, then the resolved rotation timeline,
// then falling open to the full roster.

package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rotaops/rota/internal/models"
	"github.com/rotaops/rota/internal/telemetry"
)

// Directory is the slice of the data store the resolver reads from.
type Directory interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	TeamByID(ctx context.Context, id int64) (*models.Team, error)
	TeamMembers(ctx context.Context, teamID int64) ([]models.User, error)
	ScheduleByID(ctx context.Context, id int64) (*models.Schedule, error)
	ScheduleLayers(ctx context.Context, scheduleID int64) ([]models.Layer, error)
	ActiveOverrides(ctx context.Context, scheduleID int64, at time.Time) ([]models.Override, error)
}

type Resolver struct {
	dir    Directory
	logger *slog.Logger
}

func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, logger: logger}
}

// ResolveTarget turns an escalation target into concrete user IDs at the
// given instant.
func (r *Resolver) ResolveTarget(ctx context.Context, targetType models.TargetType, targetID int64, at time.Time, notifyOnlyTeamLead bool) ([]int64, error) {
	switch targetType {
	case models.TargetUser:
		return []int64{targetID}, nil
	case models.TargetTeam:
		return r.resolveTeam(ctx, targetID, notifyOnlyTeamLead)
	case models.TargetSchedule:
		return r.resolveSchedule(ctx, targetID, at)
	default:
		return nil, fmt.Errorf("unknown target type %q", targetType)
	}
}

// resolveTeam returns all members with notifications enabled, or only the
// lead when notifyOnlyTeamLead is set (empty if the lead has them off).
func (r *Resolver) resolveTeam(ctx context.Context, teamID int64, leadOnly bool) ([]int64, error) {
	if leadOnly {
		team, err := r.dir.TeamByID(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if team.LeadID == 0 {
			return nil, nil
		}
		lead, err := r.dir.UserByID(ctx, team.LeadID)
		if err != nil {
			return nil, err
		}
		if !lead.NotificationsEnabled {
			return nil, nil
		}
		return []int64{lead.ID}, nil
	}

	members, err := r.dir.TeamMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, m := range members {
		if m.NotificationsEnabled {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// resolveSchedule finds who is on call at the given instant. Active
// overrides fully pre-empt rotation computation; a gap in the resolved
// timeline fails open to the union of every user on any layer so
// escalation never silently reaches nobody.
func (r *Resolver) resolveSchedule(ctx context.Context, scheduleID int64, at time.Time) ([]int64, error) {
	overrides, err := r.dir.ActiveOverrides(ctx, scheduleID, at)
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		return distinctOverrideUsers(overrides), nil
	}

	sched, err := r.dir.ScheduleByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	layers, err := r.dir.ScheduleLayers(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	loc, err := LoadLocation(sched.TimeZone)
	if err != nil {
		return nil, err
	}
	dayStart, dayEnd := DayWindow(at, loc)

	blocks, err := BuildScheduleBlocks(layers, nil, dayStart, dayEnd, sched.TimeZone)
	if err != nil {
		return nil, err
	}

	priorities := make(map[int64]int, len(layers))
	for _, l := range layers {
		priorities[l.ID] = l.Priority
	}
	final := FinalScheduleBlocks(blocks, priorities)

	seen := make(map[int64]struct{})
	var ids []int64
	for _, b := range final {
		if !b.Contains(at) {
			continue
		}
		if _, ok := seen[b.UserID]; !ok {
			seen[b.UserID] = struct{}{}
			ids = append(ids, b.UserID)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}

	// Schedule gap: fail open to the full roster.
	roster := layerRoster(layers)
	if len(roster) > 0 {
		r.logger.Warn("no on-call block at instant, failing open to full roster",
			"schedule", scheduleID, "at", at, "roster_size", len(roster))
		telemetry.IncFailOpen(ctx, scheduleID)
	}
	return roster, nil
}

func distinctOverrideUsers(overrides []models.Override) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, ov := range overrides {
		if _, ok := seen[ov.UserID]; !ok {
			seen[ov.UserID] = struct{}{}
			ids = append(ids, ov.UserID)
		}
	}
	return ids
}

func layerRoster(layers []models.Layer) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, l := range layers {
		for _, u := range l.Users {
			if _, ok := seen[u.UserID]; !ok {
				seen[u.UserID] = struct{}{}
				ids = append(ids, u.UserID)
			}
		}
	}
	return ids
}
