// Copyright 2022 The cbmm Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the interval profile store: an ordered set of
// non-overlapping [start, end) address ranges, each annotated with an
// expected benefit. A process has one store per policy.

package cbmm

import (
	"fmt"
	"strings"
)

// ProfileRange is a contiguous virtual address range [Start, End)
// with an expected benefit for the policy whose store holds it.
type ProfileRange struct {
	Start   uint64
	End     uint64
	Benefit uint64
}

// Clone returns a copy of the range.
func (r *ProfileRange) Clone() *ProfileRange {
	return &ProfileRange{Start: r.Start, End: r.End, Benefit: r.Benefit}
}

// Contains returns true if addr is in [Start, End).
func (r *ProfileRange) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps returns true if the spans of the ranges intersect.
func (r *ProfileRange) Overlaps(other *ProfileRange) bool {
	return (r.Start <= other.Start && other.Start < r.End) ||
		(other.Start <= r.Start && r.Start < other.End)
}

// String returns the range in the profile dump format.
func (r *ProfileRange) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) (%d bytes) benefit=0x%x",
		r.Start, r.End, r.End-r.Start, r.Benefit)
}

// RangeSet is an interval profile store. Ranges are kept disjoint and
// ordered by start address in a red-black tree, giving O(log n) point
// and directional lookups. A RangeSet is not safe for concurrent use;
// the owning registry serializes access.
type RangeSet struct {
	ranges *OrderedMap[*ProfileRange]
}

// NewRangeSet creates an empty interval profile store.
func NewRangeSet() *RangeSet {
	return &RangeSet{
		ranges: NewOrderedMap[*ProfileRange](),
	}
}

// Len returns the number of ranges in the store.
func (s *RangeSet) Len() int {
	return s.ranges.Len()
}

// FindContaining returns the unique range containing addr, or nil.
func (s *RangeSet) FindContaining(addr uint64) *ProfileRange {
	r, ok := s.ranges.FloorValue(addr)
	if !ok || !r.Contains(addr) {
		return nil
	}
	return r
}

// FindFirst returns the boundary range for a directional search:
// for CompLessThan the range with the greatest start < addr, for
// CompGreaterThan the range with the least end > addr, and for
// CompEquals the range containing addr. Returns nil if no range
// satisfies the condition.
func (s *RangeSet) FindFirst(addr uint64, comp Comparator) *ProfileRange {
	switch comp {
	case CompEquals:
		return s.FindContaining(addr)
	case CompLessThan:
		if addr == 0 {
			return nil
		}
		if r, ok := s.ranges.FloorValue(addr - 1); ok {
			return r
		}
		return nil
	case CompGreaterThan:
		// Ranges are disjoint, so the candidates are the
		// range starting at or below addr and its successor.
		if r, ok := s.ranges.FloorValue(addr); ok && r.End > addr {
			return r
		}
		if addr == ^uint64(0) {
			return nil
		}
		if r, ok := s.ranges.CeilingValue(addr + 1); ok {
			return r
		}
		return nil
	}
	log.Panicf("FindFirst: invalid comparator %d", comp)
	return nil
}

// removeOverlapping deletes every range in the store that overlaps
// 'with' and returns the number of deleted ranges.
func (s *RangeSet) removeOverlapping(with *ProfileRange) int {
	evict := []uint64{}
	if r, ok := s.ranges.FloorValue(with.Start); ok && r.Overlaps(with) {
		evict = append(evict, r.Start)
	}
	s.ranges.ForeachFrom(with.Start, func(r *ProfileRange) int {
		if !r.Overlaps(with) {
			return -1
		}
		if len(evict) == 0 || evict[len(evict)-1] != r.Start {
			evict = append(evict, r.Start)
		}
		return 0
	})
	for _, start := range evict {
		s.ranges.Delete(start)
	}
	return len(evict)
}

// Insert links the range into the store. Existing ranges overlapping
// the new one are deleted first: the new mapping supersedes any stale
// profile data it conflicts with.
func (s *RangeSet) Insert(r *ProfileRange) {
	s.removeOverlapping(r)
	s.ranges.Set(r.Start, r)
}

// Delete removes the range starting at start.
func (s *RangeSet) Delete(start uint64) {
	s.ranges.Delete(start)
}

// MoveAllInto drains every range out of this store and re-inserts
// each into dst with the same overlap-eviction rule as Insert.
func (s *RangeSet) MoveAllInto(dst *RangeSet) {
	for {
		r, ok := s.ranges.MinValue()
		if !ok {
			break
		}
		s.ranges.Delete(r.Start)
		dst.Insert(r)
	}
}

// CopyInto deep-clones every range into dst, preserving order.
func (s *RangeSet) CopyInto(dst *RangeSet) {
	s.ranges.Foreach(func(r *ProfileRange) int {
		dst.Insert(r.Clone())
		return 0
	})
}

// Clear releases every range in the store.
func (s *RangeSet) Clear() {
	s.ranges.Clear()
}

// Foreach iterates over the ranges in ascending start order. The
// iteration stops when f returns a non-zero value.
func (s *RangeSet) Foreach(f func(*ProfileRange) int) {
	s.ranges.Foreach(f)
}

// ForeachFrom iterates in ascending start order starting from the
// first range with start >= start.
func (s *RangeSet) ForeachFrom(start uint64, f func(*ProfileRange) int) {
	s.ranges.ForeachFrom(start, f)
}

// Ranges returns the ranges of the store in ascending start order.
func (s *RangeSet) Ranges() []*ProfileRange {
	rs := make([]*ProfileRange, 0, s.Len())
	s.Foreach(func(r *ProfileRange) int {
		rs = append(rs, r)
		return 0
	})
	return rs
}

// Dump renders the store in the profile dump format, one range per
// line. Rendering stops when fewer than filterBufDeadZone bytes
// remain below maxLen.
func (s *RangeSet) Dump(maxLen int) string {
	var b strings.Builder
	s.Foreach(func(r *ProfileRange) int {
		if b.Len() > maxLen-filterBufDeadZone {
			return -1
		}
		fmt.Fprintf(&b, "%s\n", r)
		return 0
	})
	return b.String()
}
