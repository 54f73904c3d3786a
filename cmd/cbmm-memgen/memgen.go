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

// This file implements a synthetic memory mapping event generator.
// It prints cbmmd prompt commands, so a command stream for stress or
// replay testing can be produced with, for example:
//
//	cbmm-memgen -procs 10 -mmaps 1000 | cbmmd -prompt -debug
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/KostasMores/cbmm/pkg/cbmm"
	"github.com/KostasMores/cbmm/pkg/version"
)

var sections = []string{"code", "data", "heap", "mmap"}

var optProcs = flag.Int("procs", 4, "number of simulated processes")
var optMmaps = flag.Int("mmaps", 100, "number of mappings per process")
var optForks = flag.Int("forks", 0, "number of forked child processes")
var optExits = flag.Bool("exits", true, "emit exit events for simulated processes")
var optEstimates = flag.Int("estimates", 10, "number of promotion estimates per process")
var optFilters = flag.Int("filters", 2, "number of filter rules per process")
var optMaxLength = flag.String("max-length", "16M", "largest mapping length in bytes, unit suffix (k, M, G) ok")
var optBasePid = flag.Int("base-pid", 10000, "pid of the first simulated process")
var optSeed = flag.Int64("seed", 1, "random number generator seed")
var optVersion = flag.Bool("version", false, "Print version and exit")

type procState struct {
	pid      int
	nextAddr uint64
	mappings []mapping
}

type mapping struct {
	addr   uint64
	length uint64
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func emitFilters(w *bufio.Writer, rnd *rand.Rand, pid int) {
	for i := 0; i < *optFilters; i++ {
		policy := "huge"
		if rnd.Intn(2) == 1 {
			policy = "eager"
		}
		section := sections[rnd.Intn(len(sections))]
		benefit := uint64(rnd.Intn(1<<20)) + 1
		record := fmt.Sprintf("%s,%s,0x%x", policy, section, benefit)
		if rnd.Intn(2) == 1 {
			record += fmt.Sprintf(",len,>,0x%x", uint64(rnd.Intn(1<<22)))
		}
		fmt.Fprintf(w, "filters -pid %d -add %s\n", pid, record)
	}
}

func emitMmaps(w *bufio.Writer, rnd *rand.Rand, proc *procState, maxLength uint64) {
	pagesize := uint64(os.Getpagesize())
	for i := 0; i < *optMmaps; i++ {
		length := alignUp(uint64(rnd.Int63n(int64(maxLength)))+1, pagesize)
		addr := proc.nextAddr
		proc.nextAddr += length + pagesize
		proc.mappings = append(proc.mappings, mapping{addr: addr, length: length})
		fmt.Fprintf(w, "mmap -pid %d -section %s -addr 0x%x -length 0x%x -prot 0x3 -flags 0x22\n",
			proc.pid, sections[rnd.Intn(len(sections))], addr, length)
	}
}

func emitEstimates(w *bufio.Writer, rnd *rand.Rand, proc *procState) {
	for i := 0; i < *optEstimates; i++ {
		if len(proc.mappings) == 0 {
			break
		}
		m := proc.mappings[rnd.Intn(len(proc.mappings))]
		addr := m.addr + uint64(rnd.Int63n(int64(m.length)))
		fmt.Fprintf(w, "estimate -action promote-huge-page -pid %d -addr 0x%x -decide\n",
			proc.pid, addr)
		fmt.Fprintf(w, "estimate -action eager-paging -pid %d -addr 0x%x -length 0x%x -decide\n",
			proc.pid, m.addr, m.length)
	}
}

func main() {
	flag.Parse()

	if *optVersion {
		fmt.Printf("cbmm-memgen %s (build %s)\n", version.Version, version.Build)
		return
	}

	maxLength, err := cbmm.ParseBytes(*optMaxLength)
	if err != nil || maxLength < 1 {
		fmt.Fprintf(os.Stderr, "cbmm-memgen: bad -max-length %q\n", *optMaxLength)
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*optSeed))
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	procs := make([]*procState, 0, *optProcs)
	for i := 0; i < *optProcs; i++ {
		proc := &procState{
			pid:      *optBasePid + i,
			nextAddr: 0x10000000 + uint64(i)*0x100000000,
		}
		procs = append(procs, proc)
		emitFilters(w, rnd, proc.pid)
		emitMmaps(w, rnd, proc, uint64(maxLength))
		emitEstimates(w, rnd, proc)
	}

	childPid := *optBasePid + *optProcs
	for i := 0; i < *optForks; i++ {
		parent := procs[rnd.Intn(len(procs))]
		fmt.Fprintf(w, "fork -old %d -new %d\n", parent.pid, childPid)
		fmt.Fprintf(w, "exited -pid %d\n", childPid)
		childPid++
	}

	fmt.Fprintf(w, "engine -counters\n")
	fmt.Fprintf(w, "stats\n")
	if *optExits {
		for _, proc := range procs {
			fmt.Fprintf(w, "exited -pid %d\n", proc.pid)
		}
	}
	fmt.Fprintf(w, "q\n")
}
