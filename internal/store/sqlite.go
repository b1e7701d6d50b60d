// SPDX-License-Identifier: Apache-2.0

// sqlite.go implements Store on SQLite. Timestamps are stored as unix
// milliseconds so lock-staleness and due-time comparisons happen on the
// store's clock domain, not per-worker wall clocks.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rotaops/rota/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for ops endpoints and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			notifications_enabled INTEGER NOT NULL DEFAULT 1,
			channels TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			lead_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			time_zone TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_layers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			start_at INTEGER NOT NULL,
			end_at INTEGER,
			rotation_hours REAL NOT NULL,
			shift_hours REAL NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			users TEXT NOT NULL DEFAULT '[]',
			restriction TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS overrides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			replaces_user_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_policies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			target_type TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			delay_minutes INTEGER NOT NULL DEFAULT 0,
			notify_only_team_lead INTEGER NOT NULL DEFAULT 0,
			channels TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			service_id INTEGER NOT NULL DEFAULT 0,
			policy_id INTEGER NOT NULL DEFAULT 0,
			assignee_id INTEGER NOT NULL DEFAULT 0,
			team_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'OPEN',
			escalation_status TEXT NOT NULL DEFAULT '',
			current_escalation_step INTEGER,
			next_escalation_at INTEGER,
			escalation_processing_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_due
			ON incidents (escalation_status, next_escalation_at)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id TEXT PRIMARY KEY,
			incident_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			incident_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func ts(t time.Time) int64 { return t.UnixMilli() }

func fromTS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

// --- Directory reads ---

func (s *SQLiteStore) UserByID(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, notifications_enabled, channels, created_at FROM users WHERE id = ?`, id)
	var u models.User
	var enabled int
	var channelsJSON string
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &enabled, &channelsJSON, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read user %d: %w", id, err)
	}
	u.NotificationsEnabled = enabled != 0
	u.CreatedAt = fromTS(created)
	if err := json.Unmarshal([]byte(channelsJSON), &u.Channels); err != nil {
		u.Channels = nil
	}
	return &u, nil
}

func (s *SQLiteStore) TeamByID(ctx context.Context, id int64) (*models.Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, lead_id, created_at FROM teams WHERE id = ?`, id)
	var t models.Team
	var created int64
	if err := row.Scan(&t.ID, &t.Name, &t.LeadID, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("team %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read team %d: %w", id, err)
	}
	t.CreatedAt = fromTS(created)
	return &t, nil
}

func (s *SQLiteStore) TeamMembers(ctx context.Context, teamID int64) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.notifications_enabled, u.channels, u.created_at
		  FROM users u
		  JOIN team_members tm ON tm.user_id = u.id
		 WHERE tm.team_id = ?
		 ORDER BY u.id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query team members: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var enabled int
		var channelsJSON string
		var created int64
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &enabled, &channelsJSON, &created); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		u.NotificationsEnabled = enabled != 0
		u.CreatedAt = fromTS(created)
		if err := json.Unmarshal([]byte(channelsJSON), &u.Channels); err != nil {
			u.Channels = nil
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) ScheduleByID(ctx context.Context, id int64) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, time_zone, created_at FROM schedules WHERE id = ?`, id)
	var sc models.Schedule
	var created int64
	if err := row.Scan(&sc.ID, &sc.Name, &sc.TimeZone, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read schedule %d: %w", id, err)
	}
	sc.CreatedAt = fromTS(created)
	return &sc, nil
}

func (s *SQLiteStore) ScheduleLayers(ctx context.Context, scheduleID int64) ([]models.Layer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, name, start_at, end_at, rotation_hours, shift_hours, priority, users, restriction
		  FROM schedule_layers
		 WHERE schedule_id = ?
		 ORDER BY id ASC`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query layers: %w", err)
	}
	defer rows.Close()

	var layers []models.Layer
	for rows.Next() {
		var l models.Layer
		var start int64
		var end sql.NullInt64
		var usersJSON string
		var restrictionJSON sql.NullString
		if err := rows.Scan(&l.ID, &l.ScheduleID, &l.Name, &start, &end,
			&l.RotationLengthHours, &l.ShiftLengthHours, &l.Priority, &usersJSON, &restrictionJSON); err != nil {
			return nil, fmt.Errorf("failed to scan layer: %w", err)
		}
		l.Start = fromTS(start)
		if end.Valid {
			t := fromTS(end.Int64)
			l.End = &t
		}
		if err := json.Unmarshal([]byte(usersJSON), &l.Users); err != nil {
			return nil, fmt.Errorf("failed to decode layer %d users: %w", l.ID, err)
		}
		if restrictionJSON.Valid && restrictionJSON.String != "" {
			var r models.Restriction
			if err := json.Unmarshal([]byte(restrictionJSON.String), &r); err != nil {
				return nil, fmt.Errorf("failed to decode layer %d restriction: %w", l.ID, err)
			}
			l.Restriction = &r
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (s *SQLiteStore) ActiveOverrides(ctx context.Context, scheduleID int64, at time.Time) ([]models.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, user_id, user_name, start_at, end_at, replaces_user_id
		  FROM overrides
		 WHERE schedule_id = ? AND start_at <= ? AND end_at > ?
		 ORDER BY start_at ASC`, scheduleID, ts(at), ts(at))
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// OverridesInWindow returns overrides intersecting [start, end), for block
// building over a query window.
func (s *SQLiteStore) OverridesInWindow(ctx context.Context, scheduleID int64, start, end time.Time) ([]models.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, user_id, user_name, start_at, end_at, replaces_user_id
		  FROM overrides
		 WHERE schedule_id = ? AND start_at < ? AND end_at > ?
		 ORDER BY start_at ASC`, scheduleID, ts(end), ts(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func scanOverrides(rows *sql.Rows) ([]models.Override, error) {
	var overrides []models.Override
	for rows.Next() {
		var ov models.Override
		var start, end int64
		if err := rows.Scan(&ov.ID, &ov.ScheduleID, &ov.UserID, &ov.UserName, &start, &end, &ov.ReplacesUserID); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		ov.Start = fromTS(start)
		ov.End = fromTS(end)
		overrides = append(overrides, ov)
	}
	return overrides, rows.Err()
}

// --- Incident / escalation state ---

const incidentColumns = `id, title, service_id, policy_id, assignee_id, team_id, status,
	escalation_status, current_escalation_step, next_escalation_at, escalation_processing_at, created_at`

func scanIncident(row interface{ Scan(...any) error }) (*models.Incident, error) {
	var inc models.Incident
	var status, escStatus string
	var step, nextAt, processingAt sql.NullInt64
	var created int64
	if err := row.Scan(&inc.ID, &inc.Title, &inc.ServiceID, &inc.PolicyID, &inc.AssigneeID, &inc.TeamID,
		&status, &escStatus, &step, &nextAt, &processingAt, &created); err != nil {
		return nil, err
	}
	inc.Status = models.IncidentStatus(status)
	inc.EscalationStatus = models.EscalationStatus(escStatus)
	if step.Valid {
		v := int(step.Int64)
		inc.CurrentEscalationStep = &v
	}
	if nextAt.Valid {
		t := fromTS(nextAt.Int64)
		inc.NextEscalationAt = &t
	}
	if processingAt.Valid {
		t := fromTS(processingAt.Int64)
		inc.EscalationProcessingAt = &t
	}
	inc.CreatedAt = fromTS(created)
	return &inc, nil
}

func (s *SQLiteStore) IncidentByID(ctx context.Context, id int64) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("incident %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read incident %d: %w", id, err)
	}
	return inc, nil
}

func (s *SQLiteStore) PolicyByID(ctx context.Context, id int64) (*models.EscalationPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name FROM escalation_policies WHERE id = ?`, id)
	var p models.EscalationPolicy
	if err := row.Scan(&p.ID, &p.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read policy %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, step_index, target_type, target_id, delay_minutes, notify_only_team_lead, channels
		  FROM escalation_steps
		 WHERE policy_id = ?
		 ORDER BY step_index ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.EscalationStep
		var targetType, channelsJSON string
		var leadOnly int
		if err := rows.Scan(&st.ID, &st.PolicyID, &st.Index, &targetType, &st.TargetID,
			&st.DelayMinutes, &leadOnly, &channelsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan policy step: %w", err)
		}
		st.TargetType = models.TargetType(targetType)
		st.NotifyOnlyTeamLead = leadOnly != 0
		if err := json.Unmarshal([]byte(channelsJSON), &st.Channels); err != nil {
			st.Channels = nil
		}
		p.Steps = append(p.Steps, st)
	}
	return &p, rows.Err()
}

func (s *SQLiteStore) ClaimEscalationStep(ctx context.Context, incidentID int64, expectedStep *int, now time.Time, lockTimeout time.Duration) (bool, error) {
	var exp sql.NullInt64
	if expectedStep != nil {
		exp = sql.NullInt64{Int64: int64(*expectedStep), Valid: true}
	}
	staleBefore := ts(now.Add(-lockTimeout))

	// Single conditional UPDATE: compare-and-swap on step index, status,
	// and lock staleness. Two workers racing here see exactly one row
	// match.
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		   SET escalation_processing_at = ?
		 WHERE id = ?
		   AND ( (? IS NULL AND (current_escalation_step IS NULL OR current_escalation_step = 0))
		         OR current_escalation_step = ? )
		   AND ( escalation_status = 'ESCALATING'
		         OR (? IS NULL AND COALESCE(escalation_status, '') = '') )
		   AND ( escalation_processing_at IS NULL OR escalation_processing_at <= ? )`,
		ts(now), incidentID, exp, exp, exp, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim escalation step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ScheduleEscalation(ctx context.Context, incidentID int64, step int, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		   SET escalation_status = 'ESCALATING', current_escalation_step = ?, next_escalation_at = ?
		 WHERE id = ?`, step, ts(nextAt), incidentID)
	if err != nil {
		return fmt.Errorf("failed to schedule escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishEscalationStep(ctx context.Context, incidentID int64, next *NextStep) error {
	var err error
	if next != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE incidents
			   SET escalation_status = 'ESCALATING', current_escalation_step = ?,
			       next_escalation_at = ?, escalation_processing_at = NULL
			 WHERE id = ?`, next.Index, ts(next.At), incidentID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE incidents
			   SET escalation_status = 'COMPLETED', current_escalation_step = NULL,
			       next_escalation_at = NULL, escalation_processing_at = NULL
			 WHERE id = ?`, incidentID)
	}
	if err != nil {
		return fmt.Errorf("failed to finish escalation step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseEscalationLock(ctx context.Context, incidentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET escalation_processing_at = NULL WHERE id = ?`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to release escalation lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearEscalation(ctx context.Context, incidentID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		   SET escalation_status = '', current_escalation_step = NULL,
		       next_escalation_at = NULL, escalation_processing_at = NULL
		 WHERE id = ?`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to clear escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteEscalation(ctx context.Context, incidentID int64) error {
	return s.FinishEscalationStep(ctx, incidentID, nil)
}

func (s *SQLiteStore) AssignIfUnassigned(ctx context.Context, incidentID, userID, teamID int64) (bool, error) {
	// The unassigned re-check lives inside the UPDATE so a human claiming
	// the incident between resolution and write is never clobbered.
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET assignee_id = ?, team_id = ?
		 WHERE id = ? AND assignee_id = 0 AND team_id = 0`,
		userID, teamID, incidentID)
	if err != nil {
		return false, fmt.Errorf("failed to assign incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read assign result: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) DueEscalations(ctx context.Context, now time.Time, lockTimeout time.Duration, limit int) ([]models.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		  FROM incidents
		 WHERE escalation_status = 'ESCALATING'
		   AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?
		   AND (escalation_processing_at IS NULL OR escalation_processing_at <= ?)
		   AND status IN ('OPEN', 'SNOOZED')
		 ORDER BY next_escalation_at ASC
		 LIMIT ?`, ts(now), ts(now.Add(-lockTimeout)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due escalations: %w", err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) PauseEscalation(ctx context.Context, incidentID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		   SET escalation_status = 'PAUSED', next_escalation_at = NULL
		 WHERE id = ? AND escalation_status = 'ESCALATING'`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to pause escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResumeEscalation(ctx context.Context, incidentID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		   SET escalation_status = 'ESCALATING', next_escalation_at = ?
		 WHERE id = ? AND escalation_status = 'PAUSED'`, ts(now), incidentID)
	if err != nil {
		return fmt.Errorf("failed to resume escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTimeline(ctx context.Context, incidentID int64, kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_events (id, incident_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), incidentID, kind, message, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordNotification(ctx context.Context, rec models.NotificationRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, incident_id, user_id, channel, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.IncidentID, rec.UserID, string(rec.Channel), success, rec.Error, ts(created))
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// --- Creation helpers (provisioning and tests) ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u models.User) (int64, error) {
	channels, _ := json.Marshal(u.Channels)
	enabled := 0
	if u.NotificationsEnabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, email, notifications_enabled, channels, created_at)
		VALUES (?, ?, ?, ?, ?)`, u.Name, u.Email, enabled, string(channels), ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CreateTeam(ctx context.Context, t models.Team, memberIDs []int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (name, lead_id, created_at) VALUES (?, ?, ?)`,
		t.Name, t.LeadID, ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to create team: %w", err)
	}
	teamID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, uid := range memberIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO team_members (team_id, user_id) VALUES (?, ?)`, teamID, uid); err != nil {
			return 0, fmt.Errorf("failed to add team member: %w", err)
		}
	}
	return teamID, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc models.Schedule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (name, time_zone, created_at) VALUES (?, ?, ?)`,
		sc.Name, sc.TimeZone, ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to create schedule: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CreateLayer(ctx context.Context, l models.Layer) (int64, error) {
	users, err := json.Marshal(l.Users)
	if err != nil {
		return 0, fmt.Errorf("failed to encode layer users: %w", err)
	}
	var restriction sql.NullString
	if l.Restriction != nil {
		raw, err := json.Marshal(l.Restriction)
		if err != nil {
			return 0, fmt.Errorf("failed to encode layer restriction: %w", err)
		}
		restriction = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_layers (schedule_id, name, start_at, end_at, rotation_hours, shift_hours, priority, users, restriction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ScheduleID, l.Name, ts(l.Start), nullTS(l.End),
		l.RotationLengthHours, l.ShiftLengthHours, l.Priority, string(users), restriction)
	if err != nil {
		return 0, fmt.Errorf("failed to create layer: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CreateOverride(ctx context.Context, ov models.Override) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (schedule_id, user_id, user_name, start_at, end_at, replaces_user_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ov.ScheduleID, ov.UserID, ov.UserName, ts(ov.Start), ts(ov.End), ov.ReplacesUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to create override: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p models.EscalationPolicy) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO escalation_policies (name) VALUES (?)`, p.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to create policy: %w", err)
	}
	policyID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, st := range p.Steps {
		channels, _ := json.Marshal(st.Channels)
		leadOnly := 0
		if st.NotifyOnlyTeamLead {
			leadOnly = 1
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO escalation_steps (policy_id, step_index, target_type, target_id, delay_minutes, notify_only_team_lead, channels)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			policyID, st.Index, string(st.TargetType), st.TargetID, st.DelayMinutes, leadOnly, string(channels)); err != nil {
			return 0, fmt.Errorf("failed to create policy step: %w", err)
		}
	}
	return policyID, nil
}

func (s *SQLiteStore) CreateIncident(ctx context.Context, inc models.Incident) (int64, error) {
	status := inc.Status
	if status == "" {
		status = models.IncidentOpen
	}
	var step sql.NullInt64
	if inc.CurrentEscalationStep != nil {
		step = sql.NullInt64{Int64: int64(*inc.CurrentEscalationStep), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (title, service_id, policy_id, assignee_id, team_id, status,
			escalation_status, current_escalation_step, next_escalation_at, escalation_processing_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Title, inc.ServiceID, inc.PolicyID, inc.AssigneeID, inc.TeamID, string(status),
		string(inc.EscalationStatus), step, nullTS(inc.NextEscalationAt), nullTS(inc.EscalationProcessingAt),
		ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to create incident: %w", err)
	}
	return res.LastInsertId()
}

// TimelineEvents lists an incident's timeline, oldest first.
func (s *SQLiteStore) TimelineEvents(ctx context.Context, incidentID int64) ([]models.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, kind, message, created_at
		  FROM timeline_events WHERE incident_id = ? ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		var created int64
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		ev.CreatedAt = fromTS(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
