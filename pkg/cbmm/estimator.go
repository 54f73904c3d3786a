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

// Cost and benefit estimation. All estimates are in CPU cycles. The
// constants come from measurements on the systems the model was
// calibrated on and are deliberately coarse: the point is to get the
// order of magnitude right, not the exact cycle count.

package cbmm

// Cycle cost constants.
const (
	// costHugePageAlloc is charged when no free large page exists
	// and one would have to be composed.
	costHugePageAlloc = uint64(1) << 32
	// costHugePagePrep is the cost of zeroing or copying into a
	// large page that was not prezeroed. About 100us.
	costHugePagePrep = 100 * 2000
	// costHugePageReclaim is the cost of reclaiming to free up a
	// large page. Hundreds of ms.
	costHugePageReclaim = 1000000000
	// costDaemonRun is charged for a defrag or promotion daemon
	// pass on a busy system. Over a second.
	costDaemonRun = uint64(1) << 32
	// costZeroHugePage is the cost of zeroing one large page.
	costZeroHugePage = 1000000
	// costCriticalSection is the cost of one acquire/release plus
	// list operation on the free list lock.
	costCriticalSection = 150 * 2
	// costBasePageFaultUs is the base page fault latency in
	// microseconds, converted to cycles with the frequency tunable.
	costBasePageFaultUs = 10
)

// Estimate computes the cost and benefit of taking the action. It is
// a pure function of the engine state: it does not remember previous
// queries, and repeated estimates of the same action under the same
// state agree. Estimation only reads the engine state, so concurrent
// estimates proceed in parallel; the counters are atomics.
func (e *Engine) Estimate(action *Action) CostDelta {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var cost CostDelta
	switch action.Kind {
	case ActionNone:
	case ActionPromoteHugePage:
		cost = e.promoteCostBenefit(action)
	case ActionDemoteHugePage:
		// Demotion is not modeled yet.
	case ActionRunDefrag:
		cost.Cost = e.daemonCost(action)
		cost.Benefit = 0
		if cost.Cost < cost.Benefit {
			e.counters.compactions.Add(1)
		}
	case ActionRunPromotionDaemon:
		cost.Cost = e.daemonCost(action)
		cost.Benefit = 0
	case ActionRunPrezeroing:
		cost.Cost = e.daemonCost(action)
		cost.Cost += e.prezeroContentionCost(action)
		cost.Benefit = e.prezeroBenefit(action)
		if cost.Cost < cost.Benefit {
			e.counters.prezeroTry.Add(1)
		}
	case ActionAllocWithReclaim:
		// Promotion where the large page first has to be
		// reclaimed.
		cost = e.promoteCostBenefit(action)
		cost.Cost += costHugePageReclaim
	case ActionEagerPaging:
		cost = e.eagerCostBenefit(action)
	default:
		log.Warnf("unknown action %d", int(action.Kind))
	}

	e.counters.estimated.Add(1)
	e.statsLocked().Store(StatsEstimate{
		Kind:    action.Kind,
		Cost:    cost.Cost,
		Benefit: cost.Benefit,
	})
	if e.debug == 2 {
		log.Warnf("estimator: action=%s cost=%d benefit=%d",
			action.Kind, cost.Cost, cost.Benefit)
	}
	return cost
}

// Decide returns true if the action whose estimate is cost should be
// taken. In mode 0 every action is taken. In mode 1 an action is
// taken when its benefit strictly exceeds its cost.
func (e *Engine) Decide(cost *CostDelta) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	e.counters.decided.Add(1)
	switch e.mode {
	case 0:
		e.statsLocked().Store(StatsDecision{Accepted: true})
		return true
	case 1:
		accepted := cost.Benefit > cost.Cost
		if accepted {
			e.counters.decidedYes.Add(1)
		}
		e.statsLocked().Store(StatsDecision{Accepted: accepted})
		return accepted
	}
	log.Panicf("invalid decision mode %d", e.mode)
	return false
}

// freeHugePages asks the oracle for the free large page status.
// Without an oracle there are no free large pages.
func (e *Engine) freeHugePages() FreePageStatus {
	if e.oracle == nil {
		return FreePagesNone
	}
	status, err := e.oracle.FreeHugePages()
	if err != nil {
		log.Warnf("free page oracle: %v", err)
		return FreePagesNone
	}
	if e.debug == 1 {
		log.Warnf("estimator: free huge page status %s", status)
	}
	return status
}

// promoteCostBenefit estimates backing a faulting page with a large
// page. Allocation is free when a free large page exists, and prep
// is free when that page is prezeroed. Extra reports whether the
// page was prezeroed.
func (e *Engine) promoteCostBenefit(action *Action) CostDelta {
	fhps := e.freeHugePages()

	allocCost := uint64(0)
	if fhps == FreePagesNone {
		allocCost = costHugePageAlloc
	}
	prepCost := uint64(0)
	if fhps != FreePagesZeroed {
		prepCost = costHugePagePrep
	}

	return CostDelta{
		Cost:    allocCost + prepCost,
		Benefit: e.hugePageBenefit(action),
		Extra:   fhps == FreePagesZeroed,
	}
}

// hugePageBenefit is the benefit of a large page at the faulting
// address. A registered miss estimator overrides the profile lookup.
func (e *Engine) hugePageBenefit(action *Action) uint64 {
	if e.missEstimator != nil {
		return e.missEstimator(action)
	}
	proc, ok := e.procs[action.Pid]
	if !ok {
		return 0
	}
	if r := proc.hugeRanges.FindContaining(action.Addr); r != nil {
		return r.Benefit
	}
	return 0
}

// daemonCost estimates a background daemon pass. Idle time is free
// to consume, so the pass costs nothing when there are more online
// CPUs than runnable load.
func (e *Engine) daemonCost(action *Action) uint64 {
	if e.sysLoad != nil && e.sysLoad.OnlineCPUs() > int(e.sysLoad.LoadAvg1()) {
		return 0
	}
	switch action.Kind {
	case ActionRunPrezeroing:
		return costZeroHugePage * action.PrezeroN
	case ActionRunDefrag, ActionRunPromotionDaemon:
		return costDaemonRun
	}
	log.Panicf("action %s is not a daemon", action.Kind)
	return 0
}

// prezeroBenefit caps the prezeroing benefit at the number of pages
// that would actually be zeroed and actually be used.
func (e *Engine) prezeroBenefit(action *Action) uint64 {
	var recentUsed uint64
	if e.usedRate != nil {
		recentUsed = e.usedRate()
	}
	n := action.PrezeroN
	if recentUsed < n {
		n = recentUsed
	}
	return n * costZeroHugePage
}

// prezeroContentionCost estimates free list lock contention from
// prezeroing. During the contention window the lock can be taken a
// number of times for free while it would otherwise be idle; only
// the operations beyond that are charged.
func (e *Engine) prezeroContentionCost(action *Action) uint64 {
	nfree := e.contentionMs * e.freqMHz * 1000 / costCriticalSection
	if action.PrezeroN <= nfree {
		return 0
	}
	return (action.PrezeroN - nfree) * costCriticalSection
}

// eagerCostBenefit estimates pre-populating a new mapping. The cost
// is one base page fault. The benefit is the largest benefit among
// the profiled eager ranges overlapping the mapping that pay for the
// fault, and Extra carries copies of those ranges so the caller
// knows what to populate.
func (e *Engine) eagerCostBenefit(action *Action) CostDelta {
	cost := CostDelta{Cost: e.freqMHz * costBasePageFaultUs}

	proc, ok := e.procs[action.Pid]
	if !ok {
		return cost
	}
	start := action.Addr
	end := action.Addr + action.Length

	first := proc.eagerRanges.FindFirst(start, CompGreaterThan)
	if first == nil {
		return cost
	}

	var ranges []ProfileRange
	var benefit uint64
	proc.eagerRanges.ForeachFrom(first.Start, func(r *ProfileRange) int {
		if start >= r.End || end <= r.Start {
			return -1
		}
		if r.Benefit > cost.Cost {
			ranges = append(ranges, *r)
			if r.Benefit > benefit {
				benefit = r.Benefit
			}
		}
		return 0
	})
	if len(ranges) > 0 {
		cost.Extra = ranges
	}
	cost.Benefit = benefit
	return cost
}
