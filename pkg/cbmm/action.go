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

import "fmt"

// ActionKind identifies a candidate memory management action whose
// cost and benefit the engine can estimate.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionPromoteHugePage backs a faulting page with a large page.
	ActionPromoteHugePage
	// ActionDemoteHugePage splits a large page back to base pages.
	ActionDemoteHugePage
	// ActionRunDefrag runs a background compaction pass.
	ActionRunDefrag
	// ActionRunPromotionDaemon runs a background promotion scan.
	ActionRunPromotionDaemon
	// ActionRunPrezeroing zeroes free large pages in the background.
	ActionRunPrezeroing
	// ActionAllocWithReclaim satisfies an allocation by reclaiming.
	ActionAllocWithReclaim
	// ActionEagerPaging pre-populates a newly mapped range.
	ActionEagerPaging
)

// String returns the action name used in logs and prompt output.
func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionPromoteHugePage:
		return "promote-huge-page"
	case ActionDemoteHugePage:
		return "demote-huge-page"
	case ActionRunDefrag:
		return "run-defrag"
	case ActionRunPromotionDaemon:
		return "run-promotion-daemon"
	case ActionRunPrezeroing:
		return "run-prezeroing"
	case ActionAllocWithReclaim:
		return "alloc-with-reclaim"
	case ActionEagerPaging:
		return "eager-paging"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// ParseActionKind parses an action name as printed by String.
func ParseActionKind(s string) (ActionKind, error) {
	for k := ActionNone; k <= ActionEagerPaging; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return ActionNone, fmt.Errorf("bad action %q: %w", s, ErrInvalidInput)
}

// Action is a candidate action with the parameters its estimate
// needs. Unused fields are zero.
type Action struct {
	Kind ActionKind
	// Pid is the process the action concerns, for per-process
	// profile lookups.
	Pid int
	// Addr is the faulting or mapped address.
	Addr uint64
	// Length is the length of the range in bytes.
	Length uint64
	// PrezeroN is the number of free large pages prezeroing would
	// zero in one pass.
	PrezeroN uint64
}

// CostDelta is the outcome of estimating one action. Cost and
// Benefit are in cycles. Extra carries per-action results the caller
// needs to act on the decision: eager paging stores the matched
// profile ranges as []ProfileRange, large page promotion stores
// whether the backing page was prezeroed as bool.
type CostDelta struct {
	Cost    uint64
	Benefit uint64
	Extra   interface{}
}
