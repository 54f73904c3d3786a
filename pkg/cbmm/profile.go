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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Mapping describes a memory range a tracked process has just mapped.
type Mapping struct {
	// Pid is the process that created the mapping.
	Pid int
	// Section is the address space section the mapping belongs to.
	Section MemorySection
	// Addr is the address the mapping landed at.
	Addr uint64
	// Hint is the address the caller asked for. Matching uses the
	// address the mapping actually landed at, so the hint has no
	// effect on the profile; it is carried for event completeness.
	Hint uint64
	// SectionOff is the offset of the mapping from the start of its
	// section. The mmap section grows down, so there the offset is
	// taken downwards from the section base.
	SectionOff uint64
	// Length of the mapping in bytes.
	Length uint64
	// Prot, Flags, FD and Off are the remaining mmap call arguments.
	Prot  uint64
	Flags uint64
	FD    uint64
	Off   uint64
}

// ProcessProfile holds the filter rules and the interval profile
// stores of one tracked process. Profiles are owned by an Engine and
// guarded by its lock.
type ProcessProfile struct {
	pid         int
	rules       []*FilterRule
	hugeRanges  *RangeSet
	eagerRanges *RangeSet
}

func newProcessProfile(pid int) *ProcessProfile {
	return &ProcessProfile{
		pid:         pid,
		hugeRanges:  NewRangeSet(),
		eagerRanges: NewRangeSet(),
	}
}

// Engine is the cost-benefit decision engine. It tracks per-process
// profiles, estimates the cost and benefit of candidate memory
// management actions, and decides whether to take them.
type Engine struct {
	mutex sync.RWMutex
	procs map[int]*ProcessProfile

	// Tunables.
	mode         int
	debug        int
	contentionMs uint64
	freqMHz      uint64

	// Pluggable inputs.
	oracle        FreePageOracle
	missEstimator MissEstimator
	usedRate      UsedRateFunc
	sysLoad       SystemLoad

	counters engineCounters
	stats    *Stats
	config   *EngineConfig
}

// engineCounters mirror what the decision path records. They are
// atomics so the estimation paths only need the registry read lock.
type engineCounters struct {
	estimated   atomic.Uint64
	decided     atomic.Uint64
	decidedYes  atomic.Uint64
	promoted    atomic.Uint64
	compactions atomic.Uint64
	prezeroTry  atomic.Uint64
	allocBytes  atomic.Int64
}

// Counters is a snapshot of the engine's decision counters.
type Counters struct {
	Estimated   uint64
	Decided     uint64
	DecidedYes  uint64
	Promoted    uint64
	Compactions uint64
	PrezeroTry  uint64
	AllocBytes  int64
}

// String renders the counters in the same key=value lines the
// tunables surface exposes.
func (c Counters) String() string {
	return fmt.Sprintf("estimated=%d\ndecided=%d\nyes=%d\npromoted=%d\ncompactions=%d\nprezerotry=%d\nvmallocbytes=%d\n",
		c.Estimated, c.Decided, c.DecidedYes, c.Promoted,
		c.Compactions, c.PrezeroTry, c.AllocBytes)
}

// NewEngine returns an engine with default tunables. By default the
// mode is 0 (always accept), there is no free page oracle and no
// miss estimator, and system load is read from the running host.
func NewEngine() *Engine {
	return &Engine{
		procs:        map[int]*ProcessProfile{},
		mode:         0,
		debug:        0,
		contentionMs: 10,
		freqMHz:      3000,
		sysLoad:      newSysinfoLoad(),
		stats:        GetStats(),
	}
}

// Mode returns the decision mode.
func (e *Engine) Mode() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mode
}

// SetMode sets the decision mode. Mode 0 accepts every action, mode
// 1 accepts an action when its benefit strictly exceeds its cost.
func (e *Engine) SetMode(mode int) error {
	if mode < 0 || mode > 1 {
		return fmt.Errorf("bad mode %d: %w", mode, ErrInvalidInput)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.mode = mode
	return nil
}

// Debug returns the debug level.
func (e *Engine) Debug() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.debug
}

// SetDebug sets the debug level. Level 1 logs free page lookups,
// level 2 logs every estimate.
func (e *Engine) SetDebug(debug int) error {
	if debug < 0 || debug > 2 {
		return fmt.Errorf("bad debug level %d: %w", debug, ErrInvalidInput)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.debug = debug
	return nil
}

// ContentionMs returns the lock contention window in milliseconds.
func (e *Engine) ContentionMs() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.contentionMs
}

// SetContentionMs sets the lock contention window in milliseconds.
func (e *Engine) SetContentionMs(ms uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.contentionMs = ms
}

// FreqMHz returns the assumed CPU frequency.
func (e *Engine) FreqMHz() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.freqMHz
}

// SetFreqMHz sets the assumed CPU frequency used to convert times
// into cycles.
func (e *Engine) SetFreqMHz(mhz uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.freqMHz = mhz
}

// SetFreePageOracle installs the oracle that reports whether free
// large pages are available. A nil oracle reports none available.
func (e *Engine) SetFreePageOracle(o FreePageOracle) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.oracle = o
}

// SetMissEstimator installs a miss estimator that overrides the
// profile-based large page benefit lookup.
func (e *Engine) SetMissEstimator(f MissEstimator) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.missEstimator = f
}

// SetUsedRateFunc installs the estimator of recently consumed
// prezeroed large pages.
func (e *Engine) SetUsedRateFunc(f UsedRateFunc) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.usedRate = f
}

// SetSystemLoad installs the system load source.
func (e *Engine) SetSystemLoad(s SystemLoad) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.sysLoad = s
}

// SetStats directs the engine's events to a stats sink other than
// the process-wide one.
func (e *Engine) SetStats(s *Stats) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stats = s
}

// Counters returns a snapshot of the decision counters.
func (e *Engine) Counters() Counters {
	return Counters{
		Estimated:   e.counters.estimated.Load(),
		Decided:     e.counters.decided.Load(),
		DecidedYes:  e.counters.decidedYes.Load(),
		Promoted:    e.counters.promoted.Load(),
		Compactions: e.counters.compactions.Load(),
		PrezeroTry:  e.counters.prezeroTry.Load(),
		AllocBytes:  e.counters.allocBytes.Load(),
	}
}

// ProcessUsing reports whether a profile exists for the process.
func (e *Engine) ProcessUsing(pid int) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	_, ok := e.procs[pid]
	return ok
}

// Pids returns the pids of all tracked processes.
func (e *Engine) Pids() []int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	pids := make([]int, 0, len(e.procs))
	for pid := range e.procs {
		pids = append(pids, pid)
	}
	return pids
}

// WriteFilterTable parses filter records from text and appends them
// to the process's rule list, creating the profile if the process
// was not tracked yet. It returns the number of bytes consumed.
// Writers may split the table across writes, so a broken trailing
// record is consumed on the next call. A write without a single
// complete record is an error and tracks nothing.
func (e *Engine) WriteFilterTable(pid int, text string) (int, error) {
	rules, n, err := ParseFilterTable(text)
	if err != nil {
		return 0, err
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	proc, ok := e.procs[pid]
	if !ok {
		proc = newProcessProfile(pid)
		e.procs[pid] = proc
		e.counters.allocBytes.Add(processProfileBytes)
	}
	for _, rule := range rules {
		proc.rules = append(proc.rules, rule)
		e.counters.allocBytes.Add(rule.trackedBytes())
	}
	e.statsLocked().Store(StatsFilterWrite{Pid: pid, Rules: len(rules)})
	return n, nil
}

// ClearFilters drops the process's filter rules. The interval
// profile stores already built from them are kept.
func (e *Engine) ClearFilters(pid int) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	proc, ok := e.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	for _, rule := range proc.rules {
		e.counters.allocBytes.Add(-rule.trackedBytes())
	}
	proc.rules = nil
	return nil
}

// FilterTable renders the process's filter rules as a CSV table with
// a header. An untracked process gets just the header.
func (e *Engine) FilterTable(pid int) string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	proc, ok := e.procs[pid]
	if !ok {
		return "POLICY,SECTION,MISSES,CONSTRAINTS...\n"
	}
	return FilterTableString(proc.rules, filterBufSize)
}

// ProfileDump renders the process's interval profile stores.
func (e *Engine) ProfileDump(pid int) (string, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	proc, ok := e.procs[pid]
	if !ok {
		return "", fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	var b strings.Builder
	b.WriteString("Huge Page Ranges:\n")
	b.WriteString(proc.hugeRanges.Dump(filterBufSize - b.Len()))
	b.WriteString("Eager Page Ranges:\n")
	b.WriteString(proc.eagerRanges.Dump(filterBufSize - b.Len()))
	return b.String(), nil
}

// CopyProfile clones the profile of oldPid, rules and ranges both,
// under newPid. Called on fork. If oldPid is not tracked this is a
// no-op, as the child of an untracked process is untracked too.
func (e *Engine) CopyProfile(oldPid, newPid int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	proc, ok := e.procs[oldPid]
	if !ok {
		return
	}
	clone := newProcessProfile(newPid)
	for _, rule := range proc.rules {
		clone.rules = append(clone.rules, rule.Clone())
		e.counters.allocBytes.Add(rule.trackedBytes())
	}
	proc.hugeRanges.CopyInto(clone.hugeRanges)
	proc.eagerRanges.CopyInto(clone.eagerRanges)
	e.counters.allocBytes.Add(processProfileBytes +
		int64(clone.hugeRanges.Len()+clone.eagerRanges.Len())*profileRangeBytes)
	e.procs[newPid] = clone
}

// RemoveProcess drops the process's profile. Called when the process
// exits. Removing an untracked process returns ErrNotFound, so a
// second removal of the same pid fails.
func (e *Engine) RemoveProcess(pid int) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	proc, ok := e.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	for _, rule := range proc.rules {
		e.counters.allocBytes.Add(-rule.trackedBytes())
	}
	e.counters.allocBytes.Add(-(processProfileBytes +
		int64(proc.hugeRanges.Len()+proc.eagerRanges.Len())*profileRangeBytes))
	delete(e.procs, pid)
	return nil
}

// RegisterPromotion informs the engine that the page at addr was
// promoted to a large page.
func (e *Engine) RegisterPromotion(addr uint64) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	e.counters.promoted.Add(1)
	e.statsLocked().Store(StatsPromotion{Addr: addr})
}

// Stats returns the engine's event sink.
func (e *Engine) Stats() *Stats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.statsLocked()
}

// statsLocked returns the event sink. Caller holds the engine lock.
func (e *Engine) statsLocked() *Stats {
	if e.stats != nil {
		return e.stats
	}
	return GetStats()
}

// AddMemoryRange matches a new mapping of a tracked process against
// the process's filter rules and extends the interval profile stores
// with the resulting benefit-annotated subranges. Mappings of
// untracked processes are ignored.
//
// Rules are evaluated in insertion order. A rule applies when its
// section matches and all its comparisons hold. Scalar comparisons
// constrain the whole mapping. Address comparisons narrow the match
// to a subrange, splitting the mapping as needed, so several rules
// can claim disjoint pieces of one mapping. A subrange already
// claimed by an earlier rule cannot be claimed again. When a rule
// without address comparisons matches, it stamps every unclaimed
// subrange and ends the rule walk.
func (e *Engine) AddMemoryRange(m *Mapping) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	proc, ok := e.procs[m.Pid]
	if !ok {
		return
	}

	// Seed the scratch sets with the page-aligned mapping.
	seed := &ProfileRange{
		Start: m.Addr &^ (constUPagesize - 1),
		End:   (m.Addr + m.Length + constUPagesize - 1) &^ (constUPagesize - 1),
	}
	hugeScratch := NewRangeSet()
	eagerScratch := NewRangeSet()
	hugeScratch.Insert(seed)
	eagerScratch.Insert(seed.Clone())

	for _, rule := range proc.rules {
		var scratch *RangeSet
		switch rule.Policy {
		case PolicyHugePage:
			scratch = hugeScratch
		case PolicyEagerPage:
			scratch = eagerScratch
		default:
			log.Panicf("invalid page policy %d", int(rule.Policy))
		}

		passes := m.Section == rule.Section
		// Splits are staged in a temp set and committed only if the
		// whole rule passes.
		temp := NewRangeSet()
		var parent *ProfileRange

		for i := range rule.Comparisons {
			if !passes {
				break
			}
			comp := &rule.Comparisons[i]

			if comp.IsAddressConstraint() {
				key, comparator := m.searchKey(comp)
				var target *ProfileRange
				if parent == nil {
					parent = scratch.FindFirst(key, comparator)
					if parent == nil || parent.Benefit != 0 {
						// Nothing left to claim for this rule.
						passes = false
						parent = nil
						break
					}
					target = parent.Clone()
					temp.Insert(target)
				} else {
					target = temp.FindFirst(key, comparator)
					if target == nil {
						passes = false
						break
					}
				}
				target.Benefit = rule.Benefit
				splitStagedRange(temp, target, key, comparator)
				continue
			}

			var val uint64
			switch comp.Quant {
			case QuantLen:
				val = m.Length
			case QuantProt:
				val = m.Prot
			case QuantFlags:
				val = m.Flags
			case QuantFD:
				val = m.FD
			default:
				val = m.Off
			}
			passes = passes && comp.Matches(val)
		}

		if passes && parent != nil {
			// Replace the claimed subrange with its staged pieces.
			scratch.Delete(parent.Start)
			temp.MoveAllInto(scratch)
		} else if passes {
			// The whole mapping matched. Stamp the unclaimed
			// subranges and stop looking at further rules.
			scratch.Foreach(func(r *ProfileRange) int {
				if r.Benefit == 0 {
					r.Benefit = rule.Benefit
				}
				return 0
			})
			break
		}
	}

	before := proc.hugeRanges.Len() + proc.eagerRanges.Len()
	hugeScratch.MoveAllInto(proc.hugeRanges)
	eagerScratch.MoveAllInto(proc.eagerRanges)
	after := proc.hugeRanges.Len() + proc.eagerRanges.Len()
	// Moved-in ranges may have evicted overlapping old ones.
	e.counters.allocBytes.Add(int64(after-before) * profileRangeBytes)
}

// searchKey translates an address comparison into a virtual address
// key and a comparator usable against the scratch sets. Section
// offsets are relative to the section base, and the mmap section
// grows down, so there the offset is subtracted and the direction of
// the comparison flips.
func (m *Mapping) searchKey(c *Comparison) (uint64, Comparator) {
	if c.Quant == QuantAddr {
		return c.Value, c.Comp
	}
	if m.Section == SectionMmap {
		base := m.Addr + m.SectionOff
		key := base - c.Value
		switch c.Comp {
		case CompGreaterThan:
			return key, CompLessThan
		case CompLessThan:
			return key, CompGreaterThan
		default:
			return key, c.Comp
		}
	}
	base := m.Addr - m.SectionOff
	return base + c.Value, c.Comp
}

// splitStagedRange splits target, which is in set, at addr and adds
// the unclaimed remainders to set. The set is keyed by range start,
// so pieces whose start changes are removed and reinserted.
func splitStagedRange(set *RangeSet, target *ProfileRange, addr uint64, comp Comparator) {
	switch comp {
	case CompGreaterThan:
		if target.Start >= addr {
			return
		}
		set.Delete(target.Start)
		set.Insert(&ProfileRange{Start: target.Start, End: addr})
		target.Start = addr
		set.Insert(target)
	case CompLessThan:
		if target.End <= addr {
			return
		}
		end := target.End
		target.End = addr
		set.Insert(&ProfileRange{Start: addr, End: end})
	case CompEquals:
		if target.Start < addr {
			set.Delete(target.Start)
			set.Insert(&ProfileRange{Start: target.Start, End: addr})
			target.Start = addr
			set.Insert(target)
		}
		if target.End > addr+constUPagesize {
			end := target.End
			target.End = addr + constUPagesize
			set.Insert(&ProfileRange{Start: addr + constUPagesize, End: end})
		}
	default:
		log.Panicf("invalid comparator %d", int(comp))
	}
}
