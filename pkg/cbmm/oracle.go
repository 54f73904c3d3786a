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
)

// FreePageStatus is what a free page oracle reports about free large
// pages on the system.
type FreePageStatus int

const (
	// FreePagesNone: no free large pages.
	FreePagesNone FreePageStatus = iota
	// FreePagesAvailable: free large pages exist.
	FreePagesAvailable
	// FreePagesZeroed: free large pages exist and are prezeroed.
	FreePagesZeroed
)

func (s FreePageStatus) String() string {
	switch s {
	case FreePagesNone:
		return "none"
	case FreePagesAvailable:
		return "available"
	case FreePagesZeroed:
		return "zeroed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// FreePageOracle answers whether free large pages are available for
// promotion without composing or reclaiming.
type FreePageOracle interface {
	SetConfigJSON(string) error
	GetConfigJSON() string
	FreeHugePages() (FreePageStatus, error)
}

// MissEstimator overrides the profile-based large page benefit with
// an estimate from another source, such as a hardware miss counter.
type MissEstimator func(action *Action) uint64

// UsedRateFunc estimates how many prezeroed large pages were
// consumed recently.
type UsedRateFunc func() uint64

// OracleCreator creates an oracle instance.
type OracleCreator func() (FreePageOracle, error)

// oracles is a map of oracle name -> oracle creator
var oracles map[string]OracleCreator = make(map[string]OracleCreator, 0)

// OracleRegister adds an oracle to the oracle registry.
func OracleRegister(name string, creator OracleCreator) {
	oracles[name] = creator
}

// OracleList returns registered oracle names in sorted order.
func OracleList() []string {
	keys := make([]string, 0, len(oracles))
	for key := range oracles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewOracle creates an instance of an oracle by name.
func NewOracle(name string) (FreePageOracle, error) {
	if creator, ok := oracles[name]; ok {
		return creator()
	}
	return nil, fmt.Errorf("invalid oracle name %q", name)
}
