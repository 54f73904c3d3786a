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

package cbmm

import (
	"errors"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine()
	e.SetStats(NewStats())
	return e
}

func writeFilters(t *testing.T, e *Engine, pid int, table string) {
	t.Helper()
	if _, err := e.WriteFilterTable(pid, table); err != nil {
		t.Fatalf("writing filter table: %s", err)
	}
}

func hugeRanges(t *testing.T, e *Engine, pid int) []ProfileRange {
	t.Helper()
	return profileRanges(t, e, pid, PolicyHugePage)
}

func eagerRanges(t *testing.T, e *Engine, pid int) []ProfileRange {
	t.Helper()
	return profileRanges(t, e, pid, PolicyEagerPage)
}

func profileRanges(t *testing.T, e *Engine, pid int, policy PagePolicy) []ProfileRange {
	t.Helper()
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	proc, ok := e.procs[pid]
	if !ok {
		t.Fatalf("pid %d has no profile", pid)
	}
	set := proc.hugeRanges
	if policy == PolicyEagerPage {
		set = proc.eagerRanges
	}
	ranges := []ProfileRange{}
	for _, r := range set.Ranges() {
		ranges = append(ranges, *r)
	}
	return ranges
}

func TestAddMemoryRangeUntrackedIsNoop(t *testing.T) {
	e := newTestEngine(t)
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x2000})
	if e.ProcessUsing(42) {
		t.Fatalf("mapping of an untracked process must not create a profile")
	}
}

func TestWriteFilterTableCreatesProfile(t *testing.T) {
	e := newTestEngine(t)
	n, err := e.WriteFilterTable(42, "huge,data,0x1000\neager,hea")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n != len("huge,data,0x1000\n") {
		t.Fatalf("expected partial consume, got %d bytes", n)
	}
	if !e.ProcessUsing(42) {
		t.Fatalf("filter write must create the profile")
	}
	// The rest of the table arrives in a second write.
	writeFilters(t, e, 42, "eager,heap,0x2000\n")
	table := e.FilterTable(42)
	if !strings.Contains(table, "huge,data,0x1000\n") ||
		!strings.Contains(table, "eager,heap,0x2000\n") {
		t.Fatalf("unexpected filter table: %q", table)
	}
}

func TestAddMemoryRangeWholeMappingMatch(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x2000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0x1000},
	})
	// The rule is huge page only, the eager store gets the range
	// without a benefit.
	requireProfile(t, eagerRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0},
	})
}

func requireProfile(t *testing.T, got []ProfileRange, expected []ProfileRange) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %d ranges, got %v", len(expected), got)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Fatalf("range %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestAddMemoryRangeSectionMismatch(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,heap,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x1000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0},
	})
}

func TestAddMemoryRangeFirstMatchWins(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x1000\nhuge,data,0x2000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x1000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0x1000},
	})
}

func TestAddMemoryRangeScalarConstraints(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,mmap,0x1000,len,>,0x100000\nhuge,mmap,0x2000,fd,=,3\n")
	// Too short for the first rule, wrong fd for the second.
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionMmap, Addr: 0x10000, Length: 0x1000, FD: 4})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0},
	})
	// Long enough for the first rule.
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionMmap, Addr: 0x200000, Length: 0x200000, FD: 4})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0},
		{Start: 0x200000, End: 0x400000, Benefit: 0x1000},
	})
}

func TestAddMemoryRangeAddrEqualsSplit(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0xbeef,addr,=,0x12000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x4000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0},
		{Start: 0x12000, End: 0x12000 + constUPagesize, Benefit: 0xbeef},
		{Start: 0x12000 + constUPagesize, End: 0x14000, Benefit: 0},
	})
}

func TestAddMemoryRangeAddrDirectionalSplit(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x40,addr,>,0x12000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x4000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0},
		{Start: 0x12000, End: 0x14000, Benefit: 0x40},
	})
}

func TestAddMemoryRangeSectionOffUpward(t *testing.T) {
	e := newTestEngine(t)
	// Data grows up: section base is map address minus offset.
	writeFilters(t, e, 42, "huge,data,0x40,section_off,>,0x3000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x11000, SectionOff: 0x1000, Length: 0x4000})
	// Section base 0x10000, so the constraint passes above 0x13000.
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x11000, End: 0x13000, Benefit: 0},
		{Start: 0x13000, End: 0x15000, Benefit: 0x40},
	})
}

func TestAddMemoryRangeSectionOffMmapGrowsDown(t *testing.T) {
	e := newTestEngine(t)
	// The mmap section grows down: larger section offsets are
	// lower addresses, so the comparison direction flips.
	writeFilters(t, e, 42, "huge,mmap,0x40,section_off,>,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionMmap,
		Addr: 0x10000, SectionOff: 0x2000, Length: 0x4000})
	// Section base 0x12000, offsets beyond 0x1000 lie below 0x11000.
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0x40},
		{Start: 0x11000, End: 0x14000, Benefit: 0},
	})
}

func TestAddMemoryRangeClaimedRangeIsNotReclaimed(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42,
		"huge,data,0x10,addr,=,0x12000\n"+
			"huge,data,0x20,addr,=,0x12000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x4000})
	// The second rule must not override the first claim.
	for _, r := range hugeRanges(t, e, 42) {
		if r.Benefit == 0x20 {
			t.Fatalf("claimed range was reclaimed: %v", r)
		}
	}
}

func TestAddMemoryRangeSplitThenStampRemainder(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42,
		"huge,data,0x10,addr,=,0x12000\n"+
			"huge,data,0x20\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x4000})
	// The whole-mapping rule stamps the subranges the split left
	// unclaimed.
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0x20},
		{Start: 0x12000, End: 0x12000 + constUPagesize, Benefit: 0x10},
		{Start: 0x12000 + constUPagesize, End: 0x14000, Benefit: 0x20},
	})
}

func TestAddMemoryRangeUnalignedMappingIsPageAligned(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x10000 + 0x10, Length: 0x1000})
	requireProfile(t, hugeRanges(t, e, 42), []ProfileRange{
		{Start: 0x10000, End: 0x10000 + 2*constUPagesize, Benefit: 0x1000},
	})
}

func TestCopyProfile(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x1000})
	e.CopyProfile(42, 43)
	if !e.ProcessUsing(43) {
		t.Fatalf("child must inherit the profile")
	}
	requireProfile(t, hugeRanges(t, e, 43), []ProfileRange{
		{Start: 0x10000, End: 0x11000, Benefit: 0x1000},
	})
	// The copies are independent: new mappings of the child must
	// not show up in the parent.
	e.AddMemoryRange(&Mapping{Pid: 43, Section: SectionData, Addr: 0x20000, Length: 0x1000})
	if len(hugeRanges(t, e, 42)) != 1 {
		t.Fatalf("child mapping leaked into the parent profile")
	}
	if len(hugeRanges(t, e, 43)) != 2 {
		t.Fatalf("child mapping missing from the child profile")
	}
}

func TestCopyProfileUntrackedParent(t *testing.T) {
	e := newTestEngine(t)
	e.CopyProfile(42, 43)
	if e.ProcessUsing(43) {
		t.Fatalf("child of an untracked process must be untracked")
	}
}

func TestRemoveProcess(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x1000\n")
	if err := e.RemoveProcess(42); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if e.ProcessUsing(42) {
		t.Fatalf("profile must be dropped on exit")
	}
	// A second removal of the same pid fails.
	if err := e.RemoveProcess(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllocBytesAccounting(t *testing.T) {
	e := newTestEngine(t)
	if e.Counters().AllocBytes != 0 {
		t.Fatalf("expected zero alloc bytes initially")
	}
	writeFilters(t, e, 42, "huge,data,0x1000\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x1000})
	if e.Counters().AllocBytes <= 0 {
		t.Fatalf("expected positive alloc bytes, got %d", e.Counters().AllocBytes)
	}
	if err := e.RemoveProcess(42); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if bytes := e.Counters().AllocBytes; bytes != 0 {
		t.Fatalf("expected zero alloc bytes after exit, got %d", bytes)
	}
}

func TestProfileDump(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42, "huge,data,0x2a\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x2000})
	dump, err := e.ProfileDump(42)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	expected := "Huge Page Ranges:\n" +
		"[0x10000, 0x12000) (8192 bytes) benefit=0x2a\n" +
		"Eager Page Ranges:\n" +
		"[0x10000, 0x12000) (8192 bytes) benefit=0x0\n"
	if dump != expected {
		t.Fatalf("expected %q, got %q", expected, dump)
	}
	if _, err := e.ProfileDump(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for untracked pid, got %v", err)
	}
}

func TestFilterTableOfUntrackedProcess(t *testing.T) {
	e := newTestEngine(t)
	if table := e.FilterTable(1); table != "POLICY,SECTION,MISSES,CONSTRAINTS...\n" {
		t.Fatalf("expected bare header, got %q", table)
	}
}
