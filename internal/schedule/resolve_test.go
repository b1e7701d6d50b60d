// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotaops/rota/internal/models"
)

func block(layerID int64, userID int64, start, end time.Duration) models.OnCallBlock {
	return models.OnCallBlock{
		ID:      "b",
		Start:   t0.Add(start),
		End:     t0.Add(end),
		UserID:  userID,
		LayerID: layerID,
		Source:  models.SourceRotation,
	}
}

func TestFinalScheduleBlocksHigherPriorityWins(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(1, 10, 0, 24*time.Hour),
		block(2, 20, 8*time.Hour, 16*time.Hour),
	}
	priorities := map[int64]int{1: 0, 2: 5}

	out := FinalScheduleBlocks(blocks, priorities)
	require.Len(t, out, 3)

	assert.Equal(t, int64(10), out[0].UserID)
	assert.Equal(t, t0.Add(8*time.Hour), out[0].End)

	assert.Equal(t, int64(20), out[1].UserID)
	assert.Equal(t, t0.Add(8*time.Hour), out[1].Start)
	assert.Equal(t, t0.Add(16*time.Hour), out[1].End)

	assert.Equal(t, int64(10), out[2].UserID)
	assert.Equal(t, t0.Add(16*time.Hour), out[2].Start)
	assert.Equal(t, t0.Add(24*time.Hour), out[2].End)
}

// Equal priorities break toward the lowest layer ID so repeated runs over
// the same data always produce the same timeline.
func TestFinalScheduleBlocksEqualPriorityTieBreak(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(7, 70, 0, 12*time.Hour),
		block(3, 30, 0, 12*time.Hour),
	}
	priorities := map[int64]int{7: 1, 3: 1}

	out := FinalScheduleBlocks(blocks, priorities)
	require.Len(t, out, 1)
	assert.Equal(t, int64(30), out[0].UserID)
	assert.Equal(t, int64(3), out[0].LayerID)
}

// A block ending exactly when another starts is a handoff, not an overlap:
// no zero-width segments and no flicker back to the ending block.
func TestFinalScheduleBlocksCleanHandoff(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(1, 10, 0, 12*time.Hour),
		block(1, 20, 12*time.Hour, 24*time.Hour),
	}

	out := FinalScheduleBlocks(blocks, map[int64]int{1: 0})
	require.Len(t, out, 2)
	assert.Equal(t, out[0].End, out[1].Start)
	for _, b := range out {
		assert.True(t, b.Start.Before(b.End))
	}
}

func TestFinalScheduleBlocksCoverageGap(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(1, 10, 0, 8*time.Hour),
		block(1, 20, 16*time.Hour, 24*time.Hour),
	}

	out := FinalScheduleBlocks(blocks, map[int64]int{1: 0})
	require.Len(t, out, 2)
	assert.Equal(t, t0.Add(8*time.Hour), out[0].End)
	assert.Equal(t, t0.Add(16*time.Hour), out[1].Start)
}

// When a shadowing layer ends mid-block the shadowed layer resurfaces for
// the remainder, and same-user neighbors merge into one block.
func TestFinalScheduleBlocksMergesAdjacentSameUser(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(1, 10, 0, 24*time.Hour),
		block(2, 10, 8*time.Hour, 16*time.Hour),
	}
	priorities := map[int64]int{1: 0, 2: 5}

	out := FinalScheduleBlocks(blocks, priorities)
	require.Len(t, out, 1)
	assert.Equal(t, t0, out[0].Start)
	assert.Equal(t, t0.Add(24*time.Hour), out[0].End)
	assert.Equal(t, int64(10), out[0].UserID)
}

func TestFinalScheduleBlocksSkipsEmptyBlocks(t *testing.T) {
	blocks := []models.OnCallBlock{
		block(1, 10, 4*time.Hour, 4*time.Hour),
	}
	out := FinalScheduleBlocks(blocks, map[int64]int{1: 0})
	assert.Empty(t, out)
}

func TestFinalScheduleBlocksEmptyInput(t *testing.T) {
	assert.Nil(t, FinalScheduleBlocks(nil, nil))
}
