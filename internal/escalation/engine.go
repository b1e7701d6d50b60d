// SPDX-License-Identifier: Apache-2.0

// Package escalation drives the per-incident escalation state machine and
// the periodic sweep that feeds it. Safety under concurrent workers rests
// entirely on the store's atomic step claim; nothing here assumes
// in-process exclusivity.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rotaops/rota/internal/jobs"
	"github.com/rotaops/rota/internal/models"
	"github.com/rotaops/rota/internal/notify"
	"github.com/rotaops/rota/internal/store"
	"github.com/rotaops/rota/internal/telemetry"
)

// Reason explains a non-escalated (or terminal) outcome.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoPolicy      Reason = "no escalation policy"
	ReasonCompleted     Reason = "escalation already completed"
	ReasonPaused        Reason = "escalation paused"
	ReasonExhausted     Reason = "escalation steps exhausted"
	ReasonScheduled     Reason = "escalation scheduled"
	ReasonInProgress    Reason = "escalation already in progress"
	ReasonInvalidTarget Reason = "escalation target invalid"
	ReasonNoUsers       Reason = "no users resolved for target"
)

// Terminal reports whether the reason means the incident's escalation is
// finished and the sweep should stop revisiting it.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonNoPolicy, ReasonCompleted, ReasonExhausted, ReasonInvalidTarget, ReasonNoUsers:
		return true
	}
	return false
}

// Result is the outcome of one Execute invocation.
type Result struct {
	Escalated         bool
	Reason            Reason
	StepIndex         int
	TargetType        models.TargetType
	TargetName        string
	TargetCount       int
	NextStepScheduled bool
}

// TargetResolver turns a policy step target into user IDs at an instant.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, targetType models.TargetType, targetID int64, at time.Time, notifyOnlyTeamLead bool) ([]int64, error)
}

// Notifier fans one message out to a user's channels.
type Notifier interface {
	Notify(ctx context.Context, user models.User, msg notify.Message, channelOverride []models.ChannelType) []notify.Result
}

// Engine executes escalation steps. All state lives in the store; Engine
// itself is stateless and safe for concurrent use.
type Engine struct {
	store       store.Store
	resolver    TargetResolver
	notifier    Notifier
	scheduler   jobs.Scheduler
	logger      *slog.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

type EngineOption func(*Engine)

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, resolver TargetResolver, notifier Notifier, scheduler jobs.Scheduler, lockTimeout time.Duration, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if scheduler == nil {
		scheduler = jobs.NopScheduler{}
	}
	e := &Engine{
		store:       st,
		resolver:    resolver,
		notifier:    notifier,
		scheduler:   scheduler,
		logger:      logger,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute advances one incident's escalation by at most one step. stepArg,
// when non-nil, is the step a timer callback believes is due; nil means
// "whatever the incident record says". Concurrent invocations for the same
// incident resolve to exactly one successful claim.
func (e *Engine) Execute(ctx context.Context, incidentID int64, stepArg *int) (Result, error) {
	started := e.now()

	inc, err := e.store.IncidentByID(ctx, incidentID)
	if err != nil {
		return Result{}, err
	}

	policy, err := e.loadPolicy(ctx, inc)
	if err != nil {
		return Result{}, err
	}
	if policy == nil || len(policy.Steps) == 0 {
		// No policy: reset to inert so stale timers stop firing.
		if err := e.store.ClearEscalation(ctx, incidentID); err != nil {
			return Result{}, err
		}
		return Result{Reason: ReasonNoPolicy}, nil
	}

	// Terminal and paused states are idempotent no-ops; stale timers must
	// not trigger re-notification storms.
	switch inc.EscalationStatus {
	case models.EscalationCompleted:
		return Result{Reason: ReasonCompleted}, nil
	case models.EscalationPaused:
		return Result{Reason: ReasonPaused}, nil
	}

	stepIdx := e.effectiveStep(inc, stepArg)
	if stepIdx >= len(policy.Steps) {
		if err := e.store.FinishEscalationStep(ctx, incidentID, nil); err != nil {
			return Result{}, err
		}
		e.note(ctx, incidentID, "escalation_completed", "Escalation completed: all policy steps exhausted")
		return Result{Reason: ReasonExhausted, StepIndex: stepIdx}, nil
	}
	if inc.CurrentEscalationStep != nil && *inc.CurrentEscalationStep != stepIdx {
		// A stale timer for an already-advanced step.
		return Result{Reason: ReasonInProgress, StepIndex: stepIdx}, nil
	}

	now := e.now()
	step := policy.Steps[stepIdx]

	// Scheduling pass: a positive delay that has not elapsed records the
	// wake-up time and returns without notifying. delay 0 executes
	// immediately with no scheduling pass at all.
	if step.DelayMinutes > 0 {
		if inc.NextEscalationAt == nil {
			nextAt := now.Add(time.Duration(step.DelayMinutes) * time.Minute)
			if err := e.store.ScheduleEscalation(ctx, incidentID, stepIdx, nextAt); err != nil {
				return Result{}, err
			}
			e.note(ctx, incidentID, "escalation_scheduled",
				fmt.Sprintf("Escalation step %d scheduled for %s", stepIdx, nextAt.UTC().Format(time.RFC3339)))
			e.scheduleCallback(incidentID, stepIdx, nextAt.Sub(now))
			return Result{Reason: ReasonScheduled, StepIndex: stepIdx, NextStepScheduled: true}, nil
		}
		if inc.NextEscalationAt.After(now) {
			// Premature or duplicate call; the recorded wake-up stands.
			return Result{Reason: ReasonScheduled, StepIndex: stepIdx, NextStepScheduled: true}, nil
		}
	}

	claimed, err := e.store.ClaimEscalationStep(ctx, incidentID, inc.CurrentEscalationStep, now, e.lockTimeout)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{Reason: ReasonInProgress, StepIndex: stepIdx}, nil
	}

	ctx, span := telemetry.StartEscalationSpan(ctx, incidentID, stepIdx)
	defer span.End()

	res, err := e.executeClaimed(ctx, inc, policy, stepIdx)
	if err != nil {
		// Leave state for the sweep to retry; the lock must not stay held.
		if relErr := e.store.ReleaseEscalationLock(ctx, incidentID); relErr != nil {
			e.logger.Error("failed to release escalation lock", "incident", incidentID, "err", relErr)
		}
		telemetry.IncEscalationError(ctx, "execute")
		return Result{}, err
	}
	telemetry.RecordEscalationLatency(ctx, float64(e.now().Sub(started).Milliseconds()))
	return res, nil
}

// executeClaimed runs with the step claim held. Misconfigured or empty
// targets advance through the remaining steps in a bounded loop rather
// than recursing; a broken target must never hang the incident.
func (e *Engine) executeClaimed(ctx context.Context, inc *models.Incident, policy *models.EscalationPolicy, stepIdx int) (Result, error) {
	now := e.now()
	idx := stepIdx
	var skipReason Reason

	for range policy.Steps {
		if idx >= len(policy.Steps) {
			break
		}
		step := policy.Steps[idx]

		targetName, targetOK := e.targetName(ctx, step)
		var userIDs []int64
		if targetOK {
			var err error
			userIDs, err = e.resolver.ResolveTarget(ctx, step.TargetType, step.TargetID, now, step.NotifyOnlyTeamLead)
			if err != nil {
				return Result{}, fmt.Errorf("failed to resolve step %d target: %w", idx, err)
			}
			// The manual assignee joins step 0 so a human-assigned incident
			// still notifies that human even when schedule resolution
			// disagrees.
			if idx == 0 && inc.AssigneeID != 0 {
				userIDs = unionUser(userIDs, inc.AssigneeID)
			}
		}

		if !targetOK || len(userIDs) == 0 {
			if !targetOK {
				skipReason = ReasonInvalidTarget
				e.logger.Warn("escalation target misconfigured, skipping step",
					"incident", inc.ID, "step", idx, "target_type", step.TargetType, "target_id", step.TargetID)
				e.note(ctx, inc.ID, "escalation_skipped",
					fmt.Sprintf("Step %d skipped: target %s %d not found", idx, step.TargetType, step.TargetID))
			} else {
				skipReason = ReasonNoUsers
				e.note(ctx, inc.ID, "escalation_skipped",
					fmt.Sprintf("Step %d skipped: target %q resolved to no users", idx, targetName))
			}
			idx++
			continue
		}

		return e.fireStep(ctx, inc, policy, idx, step, targetName, userIDs)
	}

	// Every remaining step was skipped: terminal.
	if err := e.store.FinishEscalationStep(ctx, inc.ID, nil); err != nil {
		return Result{}, err
	}
	e.note(ctx, inc.ID, "escalation_completed", "Escalation completed: no actionable steps remain")
	if skipReason == ReasonNone {
		skipReason = ReasonExhausted
	}
	return Result{Reason: skipReason, StepIndex: idx}, nil
}

// fireStep notifies, auto-assigns, persists the next step, and releases
// the claim.
func (e *Engine) fireStep(ctx context.Context, inc *models.Incident, policy *models.EscalationPolicy, idx int, step models.EscalationStep, targetName string, userIDs []int64) (Result, error) {
	now := e.now()

	// Auto-assign only a fully unassigned incident; the store re-checks
	// inside the update so a racing human claim wins.
	if inc.AssigneeID == 0 && inc.TeamID == 0 {
		assignUser, assignTeam := int64(0), int64(0)
		if step.TargetType == models.TargetTeam {
			assignTeam = step.TargetID
		} else {
			assignUser = userIDs[0]
		}
		assigned, err := e.store.AssignIfUnassigned(ctx, inc.ID, assignUser, assignTeam)
		if err != nil {
			return Result{}, err
		}
		if assigned {
			e.note(ctx, inc.ID, "escalation_assigned",
				fmt.Sprintf("Auto-assigned by escalation step %d to %s", idx, targetName))
		}
	}

	// Notification failures are recorded but never block forward progress.
	msg := notify.Message{
		IncidentID:    inc.ID,
		IncidentTitle: inc.Title,
		Event:         "escalation",
		Body:          fmt.Sprintf("Incident #%d (%s) escalated to %s (step %d)", inc.ID, inc.Title, targetName, idx),
	}
	sent, failed := 0, 0
	for _, uid := range userIDs {
		user, err := e.store.UserByID(ctx, uid)
		if err != nil {
			e.logger.Warn("failed to load user for notification", "incident", inc.ID, "user", uid, "err", err)
			failed++
			continue
		}
		for _, r := range e.notifier.Notify(ctx, *user, msg, step.Channels) {
			if r.Err != nil {
				failed++
			} else {
				sent++
			}
		}
	}
	e.logger.Info("escalation step executed",
		"incident", inc.ID, "step", idx, "target", targetName,
		"users", len(userIDs), "sent", sent, "failed", failed)
	telemetry.IncEscalationStep(ctx, string(step.TargetType))
	e.note(ctx, inc.ID, "escalation_step",
		fmt.Sprintf("Escalated to %s (%d user(s) notified) at step %d", targetName, len(userIDs), idx))

	// Persist the follow-up and release the claim in one durable write.
	nextIdx := idx + 1
	var next *store.NextStep
	if nextIdx < len(policy.Steps) {
		delay := time.Duration(policy.Steps[nextIdx].DelayMinutes) * time.Minute
		next = &store.NextStep{Index: nextIdx, At: now.Add(delay)}
	}
	if err := e.store.FinishEscalationStep(ctx, inc.ID, next); err != nil {
		return Result{}, err
	}
	if next != nil {
		e.note(ctx, inc.ID, "escalation_scheduled",
			fmt.Sprintf("Next escalation step %d scheduled for %s", next.Index, next.At.UTC().Format(time.RFC3339)))
		e.scheduleCallback(inc.ID, next.Index, next.At.Sub(now))
	} else {
		e.note(ctx, inc.ID, "escalation_completed", "Escalation completed: final step executed")
	}

	return Result{
		Escalated:         true,
		StepIndex:         idx,
		TargetType:        step.TargetType,
		TargetName:        targetName,
		TargetCount:       len(userIDs),
		NextStepScheduled: next != nil,
	}, nil
}

func (e *Engine) loadPolicy(ctx context.Context, inc *models.Incident) (*models.EscalationPolicy, error) {
	if inc.PolicyID == 0 {
		return nil, nil
	}
	policy, err := e.store.PolicyByID(ctx, inc.PolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return policy, err
}

func (e *Engine) effectiveStep(inc *models.Incident, stepArg *int) int {
	switch {
	case stepArg != nil:
		return *stepArg
	case inc.CurrentEscalationStep != nil:
		return *inc.CurrentEscalationStep
	}
	return 0
}

// targetName resolves the step target's display name, reporting false for a
// missing or misconfigured target.
func (e *Engine) targetName(ctx context.Context, step models.EscalationStep) (string, bool) {
	if step.TargetID == 0 {
		return "", false
	}
	switch step.TargetType {
	case models.TargetUser:
		u, err := e.store.UserByID(ctx, step.TargetID)
		if err != nil {
			return "", false
		}
		return u.Name, true
	case models.TargetTeam:
		t, err := e.store.TeamByID(ctx, step.TargetID)
		if err != nil {
			return "", false
		}
		return t.Name, true
	case models.TargetSchedule:
		sc, err := e.store.ScheduleByID(ctx, step.TargetID)
		if err != nil {
			return "", false
		}
		return sc.Name, true
	}
	return "", false
}

func (e *Engine) note(ctx context.Context, incidentID int64, kind, message string) {
	if err := e.store.AppendTimeline(ctx, incidentID, kind, message); err != nil {
		e.logger.Error("failed to append timeline note", "incident", incidentID, "kind", kind, "err", err)
	}
}

func (e *Engine) scheduleCallback(incidentID int64, step int, delay time.Duration) {
	// Best effort: a lost callback is delivered by the next sweep.
	if err := e.scheduler.ScheduleEscalationCallback(incidentID, step, delay); err != nil {
		e.logger.Warn("failed to schedule escalation callback", "incident", incidentID, "step", step, "err", err)
	}
}

func unionUser(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
