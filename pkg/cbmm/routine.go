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

// RoutineCreator creates a routine instance.
type RoutineCreator func() (Routine, error)

// routines is a map of routine name -> routine creator
var routines map[string]RoutineCreator = make(map[string]RoutineCreator, 0)

// Routine is a background task driven by an engine's decisions.
type Routine interface {
	SetConfigJSON(string) error // Set new configuration.
	GetConfigJSON() string      // Get current configuration.
	SetEngine(*Engine) error    // Set engine whose decisions to follow.
	Start() error
	Stop()
	Dump(args []string) string
}

// RoutineRegister adds a routine to the routine registry.
func RoutineRegister(name string, creator RoutineCreator) {
	routines[name] = creator
}

// RoutineList returns registered routine names in sorted order.
func RoutineList() []string {
	keys := make([]string, 0, len(routines))
	for key := range routines {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewRoutine creates an instance of a routine by name.
func NewRoutine(name string) (Routine, error) {
	if creator, ok := routines[name]; ok {
		return creator()
	}
	return nil, fmt.Errorf("invalid routine name %q", name)
}
