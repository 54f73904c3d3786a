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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	status FreePageStatus
	err    error
}

func (o *fakeOracle) SetConfigJSON(string) error { return nil }

func (o *fakeOracle) GetConfigJSON() string { return "" }

func (o *fakeOracle) FreeHugePages() (FreePageStatus, error) {
	return o.status, o.err
}

type fakeLoad struct {
	cpus int
	load float64
}

func (l *fakeLoad) OnlineCPUs() int { return l.cpus }

func (l *fakeLoad) LoadAvg1() float64 { return l.load }

var idleLoad = &fakeLoad{cpus: 8, load: 0.5}
var busyLoad = &fakeLoad{cpus: 2, load: 7.5}

func TestDecideModes(t *testing.T) {
	tcases := []struct {
		name           string
		mode           int
		cost           CostDelta
		expectAccepted bool
		expectYes      uint64
	}{
		{
			name:           "mode 0 accepts a losing action",
			mode:           0,
			cost:           CostDelta{Cost: 100, Benefit: 1},
			expectAccepted: true,
			expectYes:      0,
		},
		{
			name:           "mode 1 accepts when benefit exceeds cost",
			mode:           1,
			cost:           CostDelta{Cost: 10, Benefit: 11},
			expectAccepted: true,
			expectYes:      1,
		},
		{
			name:           "mode 1 rejects when cost exceeds benefit",
			mode:           1,
			cost:           CostDelta{Cost: 11, Benefit: 10},
			expectAccepted: false,
			expectYes:      0,
		},
		{
			name:           "mode 1 rejects a tie",
			mode:           1,
			cost:           CostDelta{Cost: 5, Benefit: 5},
			expectAccepted: false,
			expectYes:      0,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			require.NoError(t, e.SetMode(tc.mode))
			require.Equal(t, tc.expectAccepted, e.Decide(&tc.cost))
			c := e.Counters()
			require.Equal(t, uint64(1), c.Decided)
			require.Equal(t, tc.expectYes, c.DecidedYes)
		})
	}
}

func TestSetModeValidation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetMode(1))
	require.Error(t, e.SetMode(2))
	require.Equal(t, 1, e.Mode())
}

func TestPromotionEstimate(t *testing.T) {
	tcases := []struct {
		name            string
		status          FreePageStatus
		expectCost      uint64
		expectPrezeroed bool
	}{
		{
			name:       "no free large pages",
			status:     FreePagesNone,
			expectCost: uint64(1)<<32 + 100*2000,
		},
		{
			name:       "free but not prezeroed",
			status:     FreePagesAvailable,
			expectCost: 100 * 2000,
		},
		{
			name:            "free and prezeroed",
			status:          FreePagesZeroed,
			expectCost:      0,
			expectPrezeroed: true,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			e.SetFreePageOracle(&fakeOracle{status: tc.status})
			writeFilters(t, e, 42, "huge,data,0xbeef\n")
			e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
				Addr: 0x10000, Length: 0x2000})

			cost := e.Estimate(&Action{
				Kind: ActionPromoteHugePage,
				Pid:  42,
				Addr: 0x11000,
			})
			require.Equal(t, tc.expectCost, cost.Cost)
			require.Equal(t, uint64(0xbeef), cost.Benefit)
			require.Equal(t, tc.expectPrezeroed, cost.Extra)
		})
	}
}

func TestPromotionEstimateWithoutOracle(t *testing.T) {
	e := newTestEngine(t)
	cost := e.Estimate(&Action{Kind: ActionPromoteHugePage, Pid: 1, Addr: 0x1000})
	// Without an oracle there are no free large pages, and an
	// untracked process has no profiled benefit.
	require.Equal(t, uint64(1)<<32+100*2000, cost.Cost)
	require.Equal(t, uint64(0), cost.Benefit)
}

func TestPromotionBenefitOutsideProfiledRanges(t *testing.T) {
	e := newTestEngine(t)
	e.SetFreePageOracle(&fakeOracle{status: FreePagesZeroed})
	writeFilters(t, e, 42, "huge,data,0xbeef\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x10000, Length: 0x2000})

	cost := e.Estimate(&Action{Kind: ActionPromoteHugePage, Pid: 42, Addr: 0x30000})
	require.Equal(t, uint64(0), cost.Benefit)
}

func TestMissEstimatorOverridesProfile(t *testing.T) {
	e := newTestEngine(t)
	e.SetFreePageOracle(&fakeOracle{status: FreePagesZeroed})
	writeFilters(t, e, 42, "huge,data,0xbeef\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x10000, Length: 0x2000})
	e.SetMissEstimator(func(action *Action) uint64 { return 777 })

	cost := e.Estimate(&Action{Kind: ActionPromoteHugePage, Pid: 42, Addr: 0x11000})
	require.Equal(t, uint64(777), cost.Benefit)
}

func TestAllocWithReclaimEstimate(t *testing.T) {
	e := newTestEngine(t)
	e.SetFreePageOracle(&fakeOracle{status: FreePagesAvailable})
	cost := e.Estimate(&Action{Kind: ActionAllocWithReclaim, Pid: 1, Addr: 0x1000})
	require.Equal(t, uint64(100*2000+1000000000), cost.Cost)
}

func TestDaemonEstimates(t *testing.T) {
	tcases := []struct {
		name       string
		kind       ActionKind
		load       SystemLoad
		prezeroN   uint64
		expectCost uint64
	}{
		{
			name:       "defrag on an idle system is free",
			kind:       ActionRunDefrag,
			load:       idleLoad,
			expectCost: 0,
		},
		{
			name:       "defrag on a busy system",
			kind:       ActionRunDefrag,
			load:       busyLoad,
			expectCost: uint64(1) << 32,
		},
		{
			name:       "promotion daemon on a busy system",
			kind:       ActionRunPromotionDaemon,
			load:       busyLoad,
			expectCost: uint64(1) << 32,
		},
		{
			name:       "prezeroing on a busy system",
			kind:       ActionRunPrezeroing,
			load:       busyLoad,
			prezeroN:   10,
			expectCost: 10 * 1000000,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			e.SetSystemLoad(tc.load)
			cost := e.Estimate(&Action{Kind: tc.kind, PrezeroN: tc.prezeroN})
			require.Equal(t, tc.expectCost, cost.Cost)
			require.Equal(t, uint64(0), cost.Benefit)
		})
	}
}

func TestPrezeroBenefit(t *testing.T) {
	e := newTestEngine(t)
	e.SetSystemLoad(idleLoad)
	e.SetUsedRateFunc(func() uint64 { return 5 })

	// The benefit is capped by the recent consumption rate.
	cost := e.Estimate(&Action{Kind: ActionRunPrezeroing, PrezeroN: 10})
	require.Equal(t, uint64(5*1000000), cost.Benefit)

	cost = e.Estimate(&Action{Kind: ActionRunPrezeroing, PrezeroN: 3})
	require.Equal(t, uint64(3*1000000), cost.Benefit)

	// A winning prezeroing estimate is counted.
	require.Equal(t, uint64(2), e.Counters().PrezeroTry)
}

func TestPrezeroContentionCost(t *testing.T) {
	e := newTestEngine(t)
	e.SetSystemLoad(idleLoad)
	// With the default tunables (10 ms contention window at 3000
	// MHz) 100000 free list operations fit in otherwise idle lock
	// time.
	cost := e.Estimate(&Action{Kind: ActionRunPrezeroing, PrezeroN: 100000})
	require.Equal(t, uint64(0), cost.Cost)

	cost = e.Estimate(&Action{Kind: ActionRunPrezeroing, PrezeroN: 100010})
	require.Equal(t, uint64(10*150*2), cost.Cost)

	// A shorter window leaves less idle lock time.
	e.SetContentionMs(1)
	cost = e.Estimate(&Action{Kind: ActionRunPrezeroing, PrezeroN: 100000})
	require.Equal(t, uint64(90000*150*2), cost.Cost)
}

func TestEagerPagingEstimate(t *testing.T) {
	e := newTestEngine(t)
	writeFilters(t, e, 42,
		"eager,data,0x9c40\n"+
			"eager,heap,0x2710\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x10000, Length: 0x2000})
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionHeap,
		Addr: 0x20000, Length: 0x1000})

	// The base page fault costs 10 us at 3000 MHz.
	cost := e.Estimate(&Action{
		Kind:   ActionEagerPaging,
		Pid:    42,
		Addr:   0x10000,
		Length: 0x11000,
	})
	require.Equal(t, uint64(30000), cost.Cost)
	// Both profiled ranges overlap the mapping but only the data
	// range pays for the fault: 0x9c40 = 40000 > 30000 cycles.
	require.Equal(t, uint64(40000), cost.Benefit)
	require.Equal(t, []ProfileRange{
		{Start: 0x10000, End: 0x12000, Benefit: 0x9c40},
	}, cost.Extra)
}

func TestEagerPagingEstimateWithoutProfiledBenefit(t *testing.T) {
	e := newTestEngine(t)

	// Untracked process.
	cost := e.Estimate(&Action{Kind: ActionEagerPaging, Pid: 1, Addr: 0x1000, Length: 0x1000})
	require.Equal(t, uint64(30000), cost.Cost)
	require.Equal(t, uint64(0), cost.Benefit)
	require.Nil(t, cost.Extra)

	// Tracked process, mapping outside the profiled ranges.
	writeFilters(t, e, 42, "eager,data,0x9c40\n")
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData,
		Addr: 0x10000, Length: 0x2000})
	cost = e.Estimate(&Action{Kind: ActionEagerPaging, Pid: 42, Addr: 0x40000, Length: 0x1000})
	require.Equal(t, uint64(0), cost.Benefit)
	require.Nil(t, cost.Extra)
}

func TestEstimateUnmodeledActions(t *testing.T) {
	e := newTestEngine(t)
	for _, kind := range []ActionKind{ActionNone, ActionDemoteHugePage, ActionKind(99)} {
		cost := e.Estimate(&Action{Kind: kind})
		require.Equal(t, uint64(0), cost.Cost, "action %s", kind)
		require.Equal(t, uint64(0), cost.Benefit, "action %s", kind)
	}
	require.Equal(t, uint64(3), e.Counters().Estimated)
}

func TestEstimateCountsEveryQuery(t *testing.T) {
	e := newTestEngine(t)
	e.SetSystemLoad(idleLoad)
	for i := 0; i < 5; i++ {
		e.Estimate(&Action{Kind: ActionRunDefrag})
	}
	require.Equal(t, uint64(5), e.Counters().Estimated)
	require.Equal(t, uint64(0), e.Counters().Decided)
}

func TestEstimateConcurrently(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetMode(1))
	e.SetSystemLoad(idleLoad)
	e.SetFreePageOracle(&fakeOracle{status: FreePagesZeroed})
	_, err := e.WriteFilterTable(42, "huge,data,0xbeef\n")
	require.NoError(t, err)
	e.AddMemoryRange(&Mapping{Pid: 42, Section: SectionData, Addr: 0x10000, Length: 0x100000})

	const workers = 8
	const rounds = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				cost := e.Estimate(&Action{
					Kind: ActionPromoteHugePage,
					Pid:  42,
					Addr: 0x10000 + uint64(i)*constUPagesize,
				})
				e.Decide(&cost)
			}
		}()
	}
	wg.Wait()

	c := e.Counters()
	require.Equal(t, uint64(workers*rounds), c.Estimated)
	require.Equal(t, uint64(workers*rounds), c.Decided)
	require.Equal(t, uint64(workers*rounds), c.DecidedYes)
}
