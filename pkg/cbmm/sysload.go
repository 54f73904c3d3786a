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
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemLoad reports how busy the system is. Background daemon work
// is considered free when there are idle CPUs.
type SystemLoad interface {
	OnlineCPUs() int
	LoadAvg1() float64
}

// sysinfoLoad reads the load average from the running host.
type sysinfoLoad struct{}

func newSysinfoLoad() SystemLoad {
	return &sysinfoLoad{}
}

func (s *sysinfoLoad) OnlineCPUs() int {
	return runtime.NumCPU()
}

func (s *sysinfoLoad) LoadAvg1() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		log.Warnf("sysinfo: %v", err)
		return 0
	}
	// Loads are fixed point with a 2^16 scale.
	return float64(info.Loads[0]) / 65536.0
}
