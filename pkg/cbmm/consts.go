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
	"os"
)

const (
	// hugePageOrder is the page order of a huge page: a huge
	// page covers 2^hugePageOrder base pages.
	hugePageOrder = 9

	// filterBufSize is the size of the buffer into which filter
	// table and profile dumps are rendered.
	filterBufSize = 4096
	// filterBufDeadZone is the safety margin kept at the end of a
	// dump buffer: rendering stops when fewer than this many
	// bytes remain.
	filterBufDeadZone = 128
)

var constPagesize int64 = int64(os.Getpagesize())
var constUPagesize uint64 = uint64(constPagesize)

// bytes of a tracked allocation, in the spirit of the allocation
// bookkeeping counters. These model struct sizes rather than measure
// the Go runtime.
const (
	profileRangeBytes   = 3 * 8
	filterRuleBytes     = 4 * 8
	comparisonBytes     = 3 * 8
	processProfileBytes = 8 * 8
)
