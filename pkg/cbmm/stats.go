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
	"sort"
	"strings"
	"sync"
)

// Stats aggregates events from the engine and its routines.
type Stats struct {
	sync.RWMutex
	namedCounts  map[string]uint64
	estimates    map[ActionKind]*StatsEstimated
	decisions    StatsDecided
	promotions   uint64
	lastPromoted uint64
	daemonRuns   map[ActionKind]uint64
	filterWrites map[int]uint64
}

// StatsHeartbeat is a named event worth counting.
type StatsHeartbeat struct {
	Name string
}

// StatsEstimate is recorded for every cost-benefit estimate.
type StatsEstimate struct {
	Kind    ActionKind
	Cost    uint64
	Benefit uint64
}

// StatsDecision is recorded for every decision.
type StatsDecision struct {
	Accepted bool
}

// StatsPromotion is recorded when a large page promotion is
// registered.
type StatsPromotion struct {
	Addr uint64
}

// StatsDaemonRun is recorded when a background routine runs an
// accepted daemon action.
type StatsDaemonRun struct {
	Kind ActionKind
}

// StatsFilterWrite is recorded when filter rules are added to a
// process.
type StatsFilterWrite struct {
	Pid   int
	Rules int
}

// StatsEstimated aggregates estimates of one action kind.
type StatsEstimated struct {
	Count      uint64
	CostSum    uint64
	BenefitSum uint64
	MaxBenefit uint64
}

// StatsDecided aggregates decisions.
type StatsDecided struct {
	Count    uint64
	Accepted uint64
}

var stats *Stats = newStats()

func newStats() *Stats {
	return &Stats{
		namedCounts:  make(map[string]uint64),
		estimates:    make(map[ActionKind]*StatsEstimated),
		daemonRuns:   make(map[ActionKind]uint64),
		filterWrites: make(map[int]uint64),
	}
}

// GetStats returns the process-wide stats sink.
func GetStats() *Stats {
	return stats
}

// NewStats returns a fresh sink, detached from the process-wide one.
func NewStats() *Stats {
	return newStats()
}

// Store records an event.
func (s *Stats) Store(entry interface{}) {
	s.Lock()
	defer s.Unlock()
	switch v := entry.(type) {
	case StatsHeartbeat:
		s.namedCounts[v.Name]++
	case StatsEstimate:
		e, ok := s.estimates[v.Kind]
		if !ok {
			e = &StatsEstimated{}
			s.estimates[v.Kind] = e
		}
		e.Count++
		e.CostSum += v.Cost
		e.BenefitSum += v.Benefit
		if v.Benefit > e.MaxBenefit {
			e.MaxBenefit = v.Benefit
		}
	case StatsDecision:
		s.decisions.Count++
		if v.Accepted {
			s.decisions.Accepted++
		}
	case StatsPromotion:
		s.promotions++
		s.lastPromoted = v.Addr
	case StatsDaemonRun:
		s.daemonRuns[v.Kind]++
	case StatsFilterWrite:
		s.filterWrites[v.Pid] += uint64(v.Rules)
	default:
		log.Warnf("stats: dropping unknown entry %T", entry)
	}
}

// Estimated returns the aggregate for one action kind.
func (s *Stats) Estimated(kind ActionKind) StatsEstimated {
	s.RLock()
	defer s.RUnlock()
	if e, ok := s.estimates[kind]; ok {
		return *e
	}
	return StatsEstimated{}
}

// Decided returns the decision aggregate.
func (s *Stats) Decided() StatsDecided {
	s.RLock()
	defer s.RUnlock()
	return s.decisions
}

// Promotions returns the promotion count and the last promoted
// address.
func (s *Stats) Promotions() (uint64, uint64) {
	s.RLock()
	defer s.RUnlock()
	return s.promotions, s.lastPromoted
}

// DaemonRuns returns the number of recorded runs of a daemon kind.
func (s *Stats) DaemonRuns(kind ActionKind) uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.daemonRuns[kind]
}

// FilterWrites returns the number of filter rules recorded for a pid.
func (s *Stats) FilterWrites(pid int) uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.filterWrites[pid]
}

// Summarize returns tables of the requested statistics in the given
// format, "txt" or "csv". Without table names all tables are
// included.
func (s *Stats) Summarize(format string, tables ...string) string {
	if len(tables) == 0 {
		tables = []string{"estimates", "decisions", "events"}
	}
	sb := strings.Builder{}
	for _, table := range tables {
		switch table {
		case "estimates":
			s.summarizeEstimates(&sb, format)
		case "decisions":
			s.summarizeDecisions(&sb, format)
		case "events":
			s.summarizeEvents(&sb, format)
		default:
			fmt.Fprintf(&sb, "unknown table %q, available: estimates, decisions, events\n", table)
		}
	}
	return sb.String()
}

func (s *Stats) summarizeEstimates(sb *strings.Builder, format string) {
	s.RLock()
	defer s.RUnlock()
	kinds := make([]ActionKind, 0, len(s.estimates))
	for kind := range s.estimates {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	switch format {
	case "csv":
		fmt.Fprintf(sb, "table,action,count,avg_cost,avg_benefit,max_benefit\n")
		for _, kind := range kinds {
			e := s.estimates[kind]
			fmt.Fprintf(sb, "estimates,%s,%d,%d,%d,%d\n",
				kind, e.Count, e.CostSum/e.Count, e.BenefitSum/e.Count, e.MaxBenefit)
		}
	default:
		fmt.Fprintf(sb, "%-24s %10s %14s %14s %14s\n",
			"action", "count", "avg_cost", "avg_benefit", "max_benefit")
		for _, kind := range kinds {
			e := s.estimates[kind]
			fmt.Fprintf(sb, "%-24s %10d %14d %14d %14d\n",
				kind, e.Count, e.CostSum/e.Count, e.BenefitSum/e.Count, e.MaxBenefit)
		}
	}
}

func (s *Stats) summarizeDecisions(sb *strings.Builder, format string) {
	s.RLock()
	defer s.RUnlock()
	switch format {
	case "csv":
		fmt.Fprintf(sb, "table,decided,accepted,promotions\n")
		fmt.Fprintf(sb, "decisions,%d,%d,%d\n",
			s.decisions.Count, s.decisions.Accepted, s.promotions)
	default:
		fmt.Fprintf(sb, "%-12s %10s %10s\n", "decided", "accepted", "promoted")
		fmt.Fprintf(sb, "%-12d %10d %10d\n",
			s.decisions.Count, s.decisions.Accepted, s.promotions)
	}
}

func (s *Stats) summarizeEvents(sb *strings.Builder, format string) {
	s.RLock()
	defer s.RUnlock()
	n := len(s.namedCounts) + len(s.daemonRuns) + len(s.filterWrites)
	names := make([]string, 0, n)
	counts := make(map[string]uint64, n)
	for name, count := range s.namedCounts {
		names = append(names, name)
		counts[name] = count
	}
	for kind, count := range s.daemonRuns {
		name := "daemon." + kind.String()
		names = append(names, name)
		counts[name] = count
	}
	for pid, count := range s.filterWrites {
		name := fmt.Sprintf("filters.pid%d", pid)
		names = append(names, name)
		counts[name] = count
	}
	sort.Strings(names)
	switch format {
	case "csv":
		fmt.Fprintf(sb, "table,event,count\n")
		for _, name := range names {
			fmt.Fprintf(sb, "events,%s,%d\n", name, counts[name])
		}
	default:
		fmt.Fprintf(sb, "%-32s %10s\n", "event", "count")
		for _, name := range names {
			fmt.Fprintf(sb, "%-32s %10d\n", name, counts[name])
		}
	}
}
