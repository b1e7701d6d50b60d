// SPDX-License-Identifier: Apache-2.0

// resolve.go flattens several layers' blocks into one non-overlapping
// effective timeline using a priority-ordered sweep line.

package schedule

import (
	"sort"
	"time"

	"github.com/rotaops/rota/internal/models"
)

// FinalScheduleBlocks merges overlapping blocks from multiple layers into a
// single effective timeline. priorities maps layer ID to its priority;
// higher wins. Equal priorities break deterministically toward the lowest
// layer ID. Adjacent output blocks held by the same user are merged.
func FinalScheduleBlocks(blocks []models.OnCallBlock, priorities map[int64]int) []models.OnCallBlock {
	if len(blocks) == 0 {
		return nil
	}

	type event struct {
		t     time.Time
		start bool
		idx   int
	}
	events := make([]event, 0, len(blocks)*2)
	for i, b := range blocks {
		if !b.Start.Before(b.End) {
			continue
		}
		events = append(events, event{t: b.Start, start: true, idx: i})
		events = append(events, event{t: b.End, start: false, idx: i})
	}
	// End events sort before start events at the same instant so a block
	// ending exactly when another starts is a clean handoff, not a
	// zero-width overlap.
	sort.Slice(events, func(i, j int) bool {
		if !events[i].t.Equal(events[j].t) {
			return events[i].t.Before(events[j].t)
		}
		return !events[i].start && events[j].start
	})

	winner := func(active map[int]struct{}) int {
		best := -1
		for idx := range active {
			if best == -1 {
				best = idx
				continue
			}
			b, w := blocks[idx], blocks[best]
			bp, wp := priorities[b.LayerID], priorities[w.LayerID]
			switch {
			case bp > wp:
				best = idx
			case bp == wp && b.LayerID < w.LayerID:
				best = idx
			case bp == wp && b.LayerID == w.LayerID && idx < best:
				best = idx
			}
		}
		return best
	}

	active := make(map[int]struct{})
	var out []models.OnCallBlock
	current := -1
	var segmentStart time.Time

	emit := func(until time.Time) {
		if current >= 0 && segmentStart.Before(until) {
			seg := blocks[current]
			seg.Start = segmentStart
			seg.End = until
			out = append(out, seg)
		}
	}

	for i := 0; i < len(events); {
		t := events[i].t
		for ; i < len(events) && events[i].t.Equal(t) && !events[i].start; i++ {
			delete(active, events[i].idx)
		}
		for ; i < len(events) && events[i].t.Equal(t); i++ {
			active[events[i].idx] = struct{}{}
		}
		if next := winner(active); next != current {
			emit(t)
			current = next
			segmentStart = t
		}
	}

	return mergeAdjacent(out)
}

// mergeAdjacent joins time-contiguous segments held by the same user, so a
// layer boundary that does not change the assignee yields one block.
func mergeAdjacent(blocks []models.OnCallBlock) []models.OnCallBlock {
	if len(blocks) == 0 {
		return nil
	}
	merged := []models.OnCallBlock{blocks[0]}
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if last.UserID == b.UserID && last.End.Equal(b.Start) {
			last.End = b.End
			continue
		}
		merged = append(merged, b)
	}
	return merged
}
