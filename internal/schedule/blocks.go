// SPDX-License-Identifier: Apache-2.0

// blocks.go expands rotation layers into concrete on-call blocks over a
// query window and splices manual overrides on top.

package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/rotaops/rota/internal/models"
)

// maxRotationPeriods bounds block generation per layer. Covers about a year
// of hourly rotations; anything beyond that is a misconfigured query.
const maxRotationPeriods = 10000

// BuildScheduleBlocks produces all on-call blocks across the given layers,
// clipped to [windowStart, windowEnd), with overrides applied and the
// result sorted by start time. timeZone is the schedule's IANA timezone
// and governs restriction evaluation; empty means UTC.
func BuildScheduleBlocks(layers []models.Layer, overrides []models.Override, windowStart, windowEnd time.Time, timeZone string) ([]models.OnCallBlock, error) {
	loc, err := LoadLocation(timeZone)
	if err != nil {
		return nil, err
	}

	var blocks []models.OnCallBlock
	for _, layer := range layers {
		blocks = append(blocks, layerBlocks(layer, windowStart, windowEnd, loc)...)
	}

	blocks = applyOverrides(blocks, overrides)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start.Before(blocks[j].Start) })
	return blocks, nil
}

// layerBlocks generates one layer's blocks over the window.
func layerBlocks(layer models.Layer, windowStart, windowEnd time.Time, loc *time.Location) []models.OnCallBlock {
	rotation := layer.RotationLength()
	shift := layer.ShiftLength()
	if len(layer.Users) == 0 || rotation <= 0 || shift <= 0 {
		return nil
	}
	if shift > rotation {
		shift = rotation
	}

	// Rotation index at the effective window start. The index is anchored
	// to the layer start, so overlapping queries agree on who is on duty
	// at any given real time.
	effectiveStart := maxTime(windowStart, layer.Start)
	index := int64(effectiveStart.Sub(layer.Start) / rotation)

	var blocks []models.OnCallBlock
	for i := int64(0); i < maxRotationPeriods; i++ {
		rotIdx := index + i
		blockStart := layer.Start.Add(time.Duration(rotIdx) * rotation)
		if !blockStart.Before(windowEnd) {
			break
		}
		if layer.End != nil && !blockStart.Before(*layer.End) {
			break
		}

		// shift < rotation leaves an intentional off-duty gap until the
		// next rotation boundary; it must not be merged away.
		dutyEnd := blockStart.Add(shift)
		if !dutyEnd.After(windowStart) {
			continue
		}

		if layer.Restriction != nil && !restrictionAllows(*layer.Restriction, blockStart, loc) {
			continue
		}

		start := maxTime(blockStart, windowStart)
		end := minTime(dutyEnd, windowEnd)
		if layer.End != nil {
			end = minTime(end, *layer.End)
		}
		if !start.Before(end) {
			continue
		}

		user := layer.Users[int(rotIdx)%len(layer.Users)]
		blocks = append(blocks, models.OnCallBlock{
			ID:        fmt.Sprintf("layer-%d-%d", layer.ID, rotIdx),
			Start:     start,
			End:       end,
			UserID:    user.UserID,
			UserName:  user.UserName,
			LayerID:   layer.ID,
			LayerName: layer.Name,
			Source:    models.SourceRotation,
		})
	}
	return blocks
}

// restrictionAllows evaluates the restriction against the duty period's
// start expressed in the schedule's timezone. The unclipped start is used
// so the verdict does not depend on the query window.
func restrictionAllows(r models.Restriction, blockStart time.Time, loc *time.Location) bool {
	local := blockStart.In(loc)

	if len(r.DaysOfWeek) > 0 {
		day := int(local.Weekday())
		allowed := false
		for _, d := range r.DaysOfWeek {
			if d == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if r.StartHour != nil && r.EndHour != nil {
		startHour, endHour := *r.StartHour, *r.EndHour
		hour := local.Hour()
		switch {
		case startHour < endHour:
			return hour >= startHour && hour < endHour
		case startHour > endHour:
			// Overnight window, e.g. 18-06: match >= start OR < end.
			return hour >= startHour || hour < endHour
		}
		// startHour == endHour: no usable hour window, treat as all-day.
	}
	return true
}

// applyOverrides splices overrides into the block set one at a time, in
// ascending start order. Each override sees the output of prior overrides,
// so a later override can carve up an earlier override's piece.
func applyOverrides(blocks []models.OnCallBlock, overrides []models.Override) []models.OnCallBlock {
	if len(overrides) == 0 {
		return blocks
	}

	sorted := make([]models.Override, len(overrides))
	copy(sorted, overrides)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	for _, ov := range sorted {
		if !ov.Start.Before(ov.End) {
			continue
		}
		out := make([]models.OnCallBlock, 0, len(blocks)+2)
		for _, b := range blocks {
			intersects := b.Start.Before(ov.End) && ov.Start.Before(b.End)
			if !intersects || (ov.ReplacesUserID != 0 && ov.ReplacesUserID != b.UserID) {
				out = append(out, b)
				continue
			}

			if ov.Start.After(b.Start) {
				prefix := b
				prefix.End = ov.Start
				out = append(out, prefix)
			}

			piece := b
			piece.ID = fmt.Sprintf("%s-ov%d", b.ID, ov.ID)
			piece.Start = maxTime(b.Start, ov.Start)
			piece.End = minTime(b.End, ov.End)
			piece.UserID = ov.UserID
			piece.UserName = ov.UserName
			piece.Source = models.SourceOverride
			out = append(out, piece)

			if ov.End.Before(b.End) {
				suffix := b
				suffix.Start = ov.End
				out = append(out, suffix)
			}
		}
		blocks = out
	}
	return blocks
}
