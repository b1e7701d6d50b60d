// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotaops/rota/internal/models"
)

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

func weeklyLayer(id int64, users ...string) models.Layer {
	l := models.Layer{
		ID:                  id,
		Name:                "primary",
		Start:               t0,
		RotationLengthHours: 168,
	}
	for i, name := range users {
		l.Users = append(l.Users, models.LayerUser{UserID: int64(i + 1), UserName: name, Position: i})
	}
	return l
}

func TestBuildScheduleBlocksWeeklyRotation(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(3*168*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, int64(1), blocks[0].UserID)
	assert.Equal(t, int64(2), blocks[1].UserID)
	assert.Equal(t, int64(1), blocks[2].UserID)

	for i, b := range blocks {
		assert.Equal(t, t0.Add(time.Duration(i)*168*time.Hour), b.Start)
		assert.Equal(t, t0.Add(time.Duration(i+1)*168*time.Hour), b.End)
		assert.Equal(t, models.SourceRotation, b.Source)
	}
}

// Rotation position is anchored to the layer start, so two queries over
// different windows agree on who holds any instant they both cover.
func TestBuildScheduleBlocksWindowIndependent(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")

	at := t0.Add(24 * time.Hour)
	wide, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(2*168*time.Hour), "")
	require.NoError(t, err)
	narrow, err := BuildScheduleBlocks([]models.Layer{layer}, nil, at, at.Add(time.Hour), "")
	require.NoError(t, err)

	require.Len(t, narrow, 1)
	assert.Equal(t, int64(1), narrow[0].UserID)

	later := t0.Add(72 * time.Hour)
	narrow2, err := BuildScheduleBlocks([]models.Layer{layer}, nil, later, later.Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, narrow2, 1)

	// Both narrow queries land inside wide's first block and name its holder.
	assert.True(t, wide[0].Contains(at))
	assert.Equal(t, wide[0].UserID, narrow[0].UserID)
	assert.Equal(t, wide[0].UserID, narrow2[0].UserID)
}

func TestBuildScheduleBlocksDeterministic(t *testing.T) {
	layer := weeklyLayer(3, "alice", "bob", "carol")
	layer.ShiftLengthHours = 48

	a, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(4*168*time.Hour), "")
	require.NoError(t, err)
	b, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(4*168*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// A shift shorter than the rotation leaves an off-duty gap until the next
// rotation boundary.
func TestBuildScheduleBlocksShiftGap(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")
	layer.RotationLengthHours = 24
	layer.ShiftLengthHours = 12

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(48*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, t0, blocks[0].Start)
	assert.Equal(t, t0.Add(12*time.Hour), blocks[0].End)
	assert.Equal(t, t0.Add(24*time.Hour), blocks[1].Start)
	assert.Equal(t, t0.Add(36*time.Hour), blocks[1].End)
	assert.NotEqual(t, blocks[0].UserID, blocks[1].UserID)
}

func TestBuildScheduleBlocksClipsToWindow(t *testing.T) {
	layer := weeklyLayer(1, "alice")

	start := t0.Add(24 * time.Hour)
	end := t0.Add(48 * time.Hour)
	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, start, end, "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, start, blocks[0].Start)
	assert.Equal(t, end, blocks[0].End)
}

func TestBuildScheduleBlocksLayerEnd(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")
	layerEnd := t0.Add(10 * 24 * time.Hour)
	layer.End = &layerEnd

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(4*168*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, layerEnd, blocks[1].End)
}

func TestBuildScheduleBlocksSkipsInvalidLayers(t *testing.T) {
	empty := models.Layer{ID: 1, Start: t0, RotationLengthHours: 168}
	zeroRotation := weeklyLayer(2, "alice")
	zeroRotation.RotationLengthHours = 0

	blocks, err := BuildScheduleBlocks([]models.Layer{empty, zeroRotation}, nil, t0, t0.Add(168*time.Hour), "")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestBuildScheduleBlocksInvalidTimezone(t *testing.T) {
	_, err := BuildScheduleBlocks(nil, nil, t0, t0.Add(time.Hour), "Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestDailyRotationMidWindowQuery(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")
	layer.RotationLengthHours = 24

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0.Add(24*time.Hour), t0.Add(72*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, int64(2), blocks[0].UserID, "day two belongs to the second user")
	assert.Equal(t, t0.Add(24*time.Hour), blocks[0].Start)
	assert.Equal(t, t0.Add(48*time.Hour), blocks[0].End)

	assert.Equal(t, int64(1), blocks[1].UserID)
	assert.Equal(t, t0.Add(48*time.Hour), blocks[1].Start)
	assert.Equal(t, t0.Add(72*time.Hour), blocks[1].End)
}

func TestDailyRotationWithOverrideSplice(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")
	layer.RotationLengthHours = 24
	ov := models.Override{
		ID: 5, UserID: 3, UserName: "carol",
		Start: t0.Add(30 * time.Hour), End: t0.Add(42 * time.Hour),
	}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, []models.Override{ov},
		t0.Add(24*time.Hour), t0.Add(72*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	assert.Equal(t, int64(2), blocks[0].UserID)
	assert.Equal(t, t0.Add(30*time.Hour), blocks[0].End)

	assert.Equal(t, int64(3), blocks[1].UserID)
	assert.Equal(t, models.SourceOverride, blocks[1].Source)
	assert.Equal(t, t0.Add(30*time.Hour), blocks[1].Start)
	assert.Equal(t, t0.Add(42*time.Hour), blocks[1].End)

	assert.Equal(t, int64(2), blocks[2].UserID)
	assert.Equal(t, t0.Add(42*time.Hour), blocks[2].Start)
	assert.Equal(t, t0.Add(48*time.Hour), blocks[2].End)

	assert.Equal(t, int64(1), blocks[3].UserID, "the next rotation day is unaffected")
}

func intPtr(v int) *int { return &v }

func TestRestrictionDaysOfWeek(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	layer.RotationLengthHours = 24
	layer.Restriction = &models.Restriction{DaysOfWeek: []int{1, 2, 3, 4, 5}} // weekdays

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(7*24*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 5)
	for _, b := range blocks {
		day := b.Start.UTC().Weekday()
		assert.NotEqual(t, time.Saturday, day)
		assert.NotEqual(t, time.Sunday, day)
	}
}

func TestRestrictionHourWindow(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	layer.RotationLengthHours = 1
	layer.ShiftLengthHours = 1
	layer.Restriction = &models.Restriction{StartHour: intPtr(9), EndHour: intPtr(17)}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(24*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 8)
	assert.Equal(t, 9, blocks[0].Start.UTC().Hour())
	assert.Equal(t, 16, blocks[len(blocks)-1].Start.UTC().Hour())
}

// An overnight window such as 18-06 matches hours on both sides of midnight.
func TestRestrictionOvernightWindow(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	layer.RotationLengthHours = 1
	layer.ShiftLengthHours = 1
	layer.Restriction = &models.Restriction{StartHour: intPtr(18), EndHour: intPtr(6)}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(24*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, blocks, 12)
	for _, b := range blocks {
		h := b.Start.UTC().Hour()
		assert.True(t, h >= 18 || h < 6, "hour %d outside overnight window", h)
	}
}

// Weekday restrictions are evaluated in the schedule's timezone, not UTC.
// Monday 00:00 UTC is still Sunday afternoon in Los Angeles.
func TestRestrictionUsesScheduleTimezone(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	layer.RotationLengthHours = 24
	layer.Restriction = &models.Restriction{DaysOfWeek: []int{0}} // Sundays only

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(24*time.Hour), "America/Los_Angeles")
	require.NoError(t, err)
	require.Len(t, blocks, 1, "Monday 00:00 UTC is Sunday in LA and must pass a Sunday restriction")

	utcBlocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(24*time.Hour), "UTC")
	require.NoError(t, err)
	assert.Empty(t, utcBlocks)
}

// The restriction verdict comes from the unclipped duty start, so shrinking
// the query window cannot flip it.
func TestRestrictionIgnoresWindowClipping(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	layer.RotationLengthHours = 24
	layer.Restriction = &models.Restriction{DaysOfWeek: []int{1}} // Mondays

	// Window starts Tuesday 02:00 but intersects Monday's duty period.
	start := t0.Add(26 * time.Hour)
	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, start.Add(-4*time.Hour), start, "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, t0.Add(22*time.Hour), blocks[0].Start)
}

func TestRestrictionEqualHoursAllDay(t *testing.T) {
	r := models.Restriction{StartHour: intPtr(8), EndHour: intPtr(8)}
	assert.True(t, restrictionAllows(r, t0.Add(3*time.Hour), time.UTC))
	assert.True(t, restrictionAllows(r, t0.Add(20*time.Hour), time.UTC))
}

func TestApplyOverridesSplitsBlock(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	ov := models.Override{
		ID:       10,
		UserID:   99,
		UserName: "carol",
		Start:    t0.Add(48 * time.Hour),
		End:      t0.Add(72 * time.Hour),
	}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(168*time.Hour), "")
	require.NoError(t, err)
	out := applyOverrides(blocks, []models.Override{ov})
	require.Len(t, out, 3)

	assert.Equal(t, int64(1), out[0].UserID)
	assert.Equal(t, ov.Start, out[0].End)

	assert.Equal(t, int64(99), out[1].UserID)
	assert.Equal(t, "carol", out[1].UserName)
	assert.Equal(t, models.SourceOverride, out[1].Source)
	assert.Equal(t, ov.Start, out[1].Start)
	assert.Equal(t, ov.End, out[1].End)

	assert.Equal(t, int64(1), out[2].UserID)
	assert.Equal(t, ov.End, out[2].Start)
}

func TestApplyOverridesReplacesOnlyNamedUser(t *testing.T) {
	layer := weeklyLayer(1, "alice", "bob")
	ov := models.Override{
		ID:             11,
		UserID:         99,
		Start:          t0,
		End:            t0.Add(2 * 168 * time.Hour),
		ReplacesUserID: 2, // bob only
	}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(2*168*time.Hour), "")
	require.NoError(t, err)
	out := applyOverrides(blocks, []models.Override{ov})
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].UserID, "alice's week is untouched")
	assert.Equal(t, int64(99), out[1].UserID, "bob's week is replaced")
}

// Overrides apply in ascending start order and each sees the output of the
// previous one, so a later override can carve up an earlier one's piece.
func TestApplyOverridesSequential(t *testing.T) {
	layer := weeklyLayer(1, "alice")

	first := models.Override{
		ID: 1, UserID: 50, UserName: "bob",
		Start: t0.Add(24 * time.Hour), End: t0.Add(96 * time.Hour),
	}
	second := models.Override{
		ID: 2, UserID: 60, UserName: "carol",
		Start: t0.Add(48 * time.Hour), End: t0.Add(72 * time.Hour),
	}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(168*time.Hour), "")
	require.NoError(t, err)
	// Deliberately unsorted input.
	out := applyOverrides(blocks, []models.Override{second, first})
	require.Len(t, out, 5)

	users := make([]int64, 0, len(out))
	for _, b := range out {
		users = append(users, b.UserID)
	}
	assert.Equal(t, []int64{1, 50, 60, 50, 1}, users)

	for i := 1; i < len(out); i++ {
		assert.Equal(t, out[i-1].End, out[i].Start, "pieces must tile the original block")
	}
}

func TestApplyOverridesIgnoresEmptyWindow(t *testing.T) {
	layer := weeklyLayer(1, "alice")
	ov := models.Override{ID: 3, UserID: 9, Start: t0.Add(time.Hour), End: t0.Add(time.Hour)}

	blocks, err := BuildScheduleBlocks([]models.Layer{layer}, nil, t0, t0.Add(168*time.Hour), "")
	require.NoError(t, err)
	out := applyOverrides(blocks, []models.Override{ov})
	assert.Equal(t, blocks, out)
}
