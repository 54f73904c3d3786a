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

// This file implements interactive prompt and command execution.

package cbmm

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cmd represents a command with a description and a function to execute.
type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

// Prompt represents an interactive prompt with associated functionality.
type Prompt struct {
	r           *bufio.Reader
	w           *bufio.Writer
	f           *flag.FlagSet
	engine      *Engine
	routines    []Routine
	oracle      FreePageOracle
	cmds        map[string]Cmd
	ps1         string
	echo        bool
	quit        bool
	mutex       sync.Mutex
	outputMutex sync.Mutex
	stopwatches map[string]float64
}

// CommandStatus represents the status of a command execution.
type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
	csError
)

// NewPrompt creates a new interactive prompt with the given prompt string and I/O readers/writers.
func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer) *Prompt {
	p := Prompt{
		r:           reader,
		w:           writer,
		ps1:         ps1,
		stopwatches: make(map[string]float64),
	}
	p.cmds = map[string]Cmd{
		"q":        {"quit interactive prompt.", p.cmdQuit},
		"engine":   {"show/set engine tunables and counters.", p.cmdEngine},
		"oracle":   {"manage the free page oracle.", p.cmdOracle},
		"filters":  {"add/show/clear filter rules of a process.", p.cmdFilters},
		"profile":  {"print the interval profile of a process.", p.cmdProfile},
		"mmap":     {"feed a new memory mapping to the engine.", p.cmdMmap},
		"fork":     {"copy the profile of a process to a child.", p.cmdFork},
		"exited":   {"drop the profile of an exited process.", p.cmdExited},
		"estimate": {"estimate cost/benefit of an action.", p.cmdEstimate},
		"stats":    {"print statistics.", p.cmdStats},
		"routines": {"manage routines.", p.cmdRoutines},
		"time":     {"print timestamps or elapsed time.", p.cmdTime},
		"help":     {"print help.", p.cmdHelp},
		"nop":      {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	p.outputMutex.Lock()
	defer p.outputMutex.Unlock()
	if p.w == nil {
		return
	}
	_, _ = p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

// RunCmdSlice executes a command specified by a slice of strings.
func (p *Prompt) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	cmd, ok := p.cmds[cmdSlice[0]]
	if !ok {
		if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
		return csUnknownCommand
	}
	// Call cmd<Function>
	return cmd.Run(cmdSlice[1:])
}

// RunCmdString executes a command specified by a string.
func (p *Prompt) RunCmdString(cmdString string) CommandStatus {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var err error
	// If command has "|", run the left-hand-side of the
	// pipe in a shell and pipe the output of the
	// right-hand-side cmd<Function> call to it.
	origOutputWriter := p.w
	pipeCmd := ""
	pipeIndex := strings.Index(cmdString, "|")
	if pipeIndex > -1 {
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Split(strings.TrimSpace(cmdString), " ")

	// If there is a pipe, redirect p.output() (that is, p.w) to
	// the pipe before calling cmd<Function>.
	var pipeProcess *exec.Cmd = nil
	var pipeInput io.WriteCloser = nil
	if pipeCmd != "" {
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			p.output("failed to create pipe for command %q", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		err := pipeProcess.Start()
		if err != nil {
			p.w = origOutputWriter
			p.output("failed to start: sh -c %q: %s", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		p.w = bufio.NewWriter(pipeInput)
	}
	runRv := p.RunCmdSlice(cmdSlice)
	// Wait for pipe process to exit and restore redirect.
	if pipeCmd != "" {
		p.w.Flush()
		pipeInput.Close()
		_ = pipeProcess.Wait()
		p.w = origOutputWriter
	}
	return runRv
}

// Interact starts the interactive prompt loop.
func (p *Prompt) Interact() {
	p.quit = false
	for !p.quit {
		p.output(p.ps1)
		cmdString, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", cmdString)
		}
		p.RunCmdString(cmdString)
	}
	p.output("quit.\n")
}

// SetEcho sets the echo mode for the prompt.
func (p *Prompt) SetEcho(newEcho bool) {
	p.echo = newEcho
}

// SetInput sets the reader the prompt reads commands from.
func (p *Prompt) SetInput(reader *bufio.Reader) {
	p.r = reader
}

// SetEngine sets the engine the prompt commands operate on.
func (p *Prompt) SetEngine(engine *Engine) {
	p.engine = engine
}

// SetRoutines sets the routines for the prompt.
func (p *Prompt) SetRoutines(routines []Routine) {
	p.routines = routines
}

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prompt) cmdNop(args []string) CommandStatus {
	return csOk
}

func (p *Prompt) cmdQuit(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	p.quit = true
	return csOk
}

func (p *Prompt) cmdHelp(args []string) CommandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-12s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	p.output("        [command] | <shell-command>\n")
	p.output("                     pipe command output to shell-command.\n")
	return csOk
}

func (p *Prompt) cmdTime(args []string) CommandStatus {
	optStart := p.f.String("start", "", "-start NAME[,NAME...] starts/restarts stopwatch NAME")
	optElapsed := p.f.String("elapsed", "", "-elapsed NAME[,NAME] prints time elapsed since starting stopwatch NAME")
	optStop := p.f.String("stop", "", "-stop NAME[,NAME...] stops stopwatch NAME")
	optNow := p.f.Bool("now", false, "print current time")
	optSleep := p.f.Float64("sleep", 0.0, "-sleep TIME sleeps given time in seconds")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	t := time.Now()
	unixTimeFloat := float64(t.UnixNano()) / 1e9
	if *optNow {
		p.output("%.6f\n", unixTimeFloat)
	}
	if *optStart != "" {
		for _, stopwatch := range strings.Split(*optStart, ",") {
			p.stopwatches[stopwatch] = unixTimeFloat
			p.output("stopwatch %q started %.6f\n", stopwatch, unixTimeFloat)
		}
	}
	if *optElapsed != "" {
		for _, stopwatch := range strings.Split(*optElapsed, ",") {
			if started, ok := p.stopwatches[stopwatch]; ok {
				p.output("%.6f\n", unixTimeFloat-started)
			} else {
				p.output("stopwatch %q not started\n", stopwatch)
			}
		}
	}
	if *optStop != "" {
		for _, stopwatch := range strings.Split(*optStop, ",") {
			if started, ok := p.stopwatches[stopwatch]; ok {
				p.output("stopwatch %q stopped at %.6f\n", stopwatch, unixTimeFloat-started)
				delete(p.stopwatches, stopwatch)
			} else {
				p.output("stopwatch %q not started\n", stopwatch)
			}
		}
	}
	if *optSleep != 0.0 {
		time.Sleep(time.Duration(*optSleep * float64(time.Second)))
	}
	return csOk
}

func (p *Prompt) cmdEngine(args []string) CommandStatus {
	optMode := p.f.Int("mode", -1, "set decision mode, 0 or 1")
	optDebug := p.f.Int("debug", -1, "set debug level, 0-2")
	optContention := p.f.Uint64("contention-ms", 0, "set lock contention window in ms")
	optFreq := p.f.Uint64("freq-mhz", 0, "set assumed CPU frequency")
	optCounters := p.f.Bool("counters", false, "print decision counters")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	if *optMode >= 0 {
		if err := p.engine.SetMode(*optMode); err != nil {
			p.output("%s\n", err)
			return csError
		}
	}
	if *optDebug >= 0 {
		if err := p.engine.SetDebug(*optDebug); err != nil {
			p.output("%s\n", err)
			return csError
		}
	}
	if *optContention > 0 {
		p.engine.SetContentionMs(*optContention)
	}
	if *optFreq > 0 {
		p.engine.SetFreqMHz(*optFreq)
	}
	if *optCounters {
		p.output("%s", p.engine.Counters())
		return csOk
	}
	p.output("mode=%d debug=%d contention-ms=%d freq-mhz=%d pids=%d\n",
		p.engine.Mode(), p.engine.Debug(),
		p.engine.ContentionMs(), p.engine.FreqMHz(),
		len(p.engine.Pids()))
	return csOk
}

func (p *Prompt) cmdOracle(args []string) CommandStatus {
	optLs := p.f.Bool("ls", false, "list available oracles")
	optCreate := p.f.String("create", "", "create and install oracle NAME")
	optConfig := p.f.String("config", "", "configure the oracle with JSON")
	optQuery := p.f.Bool("query", false, "query the free page status")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *optLs {
		p.output("%s\n", strings.Join(OracleList(), "\n"))
		return csOk
	}
	if *optCreate != "" {
		oracle, err := NewOracle(*optCreate)
		if err != nil {
			p.output("%s\n", err)
			return csError
		}
		p.oracle = oracle
		if p.engine != nil {
			p.engine.SetFreePageOracle(oracle)
		}
		p.output("oracle %q created\n", *optCreate)
	}
	if p.oracle == nil {
		p.output("no oracle, create one with -create NAME\n")
		return csError
	}
	if *optConfig != "" {
		if err := p.oracle.SetConfigJSON(*optConfig); err != nil {
			p.output("%s\n", err)
			return csError
		}
	}
	if *optQuery {
		status, err := p.oracle.FreeHugePages()
		if err != nil {
			p.output("%s\n", err)
			return csError
		}
		p.output("%s\n", status)
	}
	return csOk
}

func (p *Prompt) cmdFilters(args []string) CommandStatus {
	optPid := p.f.Int("pid", 0, "process to operate on")
	optAdd := p.f.String("add", "", "append filter record \"policy,section,benefit[,quantity,op,value]...\"")
	optClear := p.f.Bool("clear", false, "drop all filter rules of the process")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	if *optPid == 0 {
		p.output("missing -pid\n")
		return csError
	}
	if *optClear {
		if err := p.engine.ClearFilters(*optPid); err != nil {
			p.output("%s\n", err)
			return csError
		}
	}
	if *optAdd != "" {
		if _, err := p.engine.WriteFilterTable(*optPid, *optAdd+"\n"); err != nil {
			p.output("%s\n", err)
			return csError
		}
	}
	p.output("%s", p.engine.FilterTable(*optPid))
	return csOk
}

func (p *Prompt) cmdProfile(args []string) CommandStatus {
	optPid := p.f.Int("pid", 0, "process to dump")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	dump, err := p.engine.ProfileDump(*optPid)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	p.output("%s", dump)
	return csOk
}

func (p *Prompt) cmdMmap(args []string) CommandStatus {
	optPid := p.f.Int("pid", 0, "process that mapped the range")
	optSection := p.f.String("section", "mmap", "memory section: code, data, heap or mmap")
	optAddr := p.f.String("addr", "0", "map address")
	optHint := p.f.String("hint", "0", "address the caller asked for")
	optLength := p.f.String("length", "0", "map length in bytes, unit suffix (k, M, G) ok")
	optSectionOff := p.f.String("section-off", "0", "offset from the section base")
	optProt := p.f.String("prot", "0", "protection bits")
	optFlags := p.f.String("flags", "0", "map flags")
	optFD := p.f.String("fd", "0", "mapped file descriptor")
	optOff := p.f.String("off", "0", "offset in the mapped file")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	section, err := ParseMemorySection(*optSection)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	m := &Mapping{Pid: *optPid, Section: section}
	for _, arg := range []struct {
		value string
		field *uint64
	}{
		{*optAddr, &m.Addr},
		{*optHint, &m.Hint},
		{*optSectionOff, &m.SectionOff},
		{*optProt, &m.Prot},
		{*optFlags, &m.Flags},
		{*optFD, &m.FD},
		{*optOff, &m.Off},
	} {
		n, err := ParseUint64(arg.value)
		if err != nil {
			p.output("%s\n", err)
			return csError
		}
		*arg.field = n
	}
	length, err := parseSizeArg(*optLength)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	m.Length = length
	p.engine.AddMemoryRange(m)
	return csOk
}

func (p *Prompt) cmdFork(args []string) CommandStatus {
	optOld := p.f.Int("old", 0, "parent pid")
	optNew := p.f.Int("new", 0, "child pid")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	if *optOld == 0 || *optNew == 0 {
		p.output("missing -old or -new\n")
		return csError
	}
	p.engine.CopyProfile(*optOld, *optNew)
	return csOk
}

func (p *Prompt) cmdExited(args []string) CommandStatus {
	optPid := p.f.Int("pid", 0, "pid of the exited process")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	if err := p.engine.RemoveProcess(*optPid); err != nil {
		p.output("%s\n", err)
		return csError
	}
	return csOk
}

func (p *Prompt) cmdEstimate(args []string) CommandStatus {
	optAction := p.f.String("action", "", "action to estimate, see help for names")
	optPid := p.f.Int("pid", 0, "process the action concerns")
	optAddr := p.f.String("addr", "0", "faulting or mapped address")
	optLength := p.f.String("length", "0", "length of the range in bytes, unit suffix (k, M, G) ok")
	optPrezeroN := p.f.Uint64("prezero-n", 0, "number of pages a prezeroing pass would zero")
	optDecide := p.f.Bool("decide", false, "also print the decision")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.engine == nil {
		p.output("no engine\n")
		return csError
	}
	kind, err := ParseActionKind(*optAction)
	if err != nil {
		p.output("%s, valid actions:\n", err)
		for k := ActionNone; k <= ActionEagerPaging; k++ {
			p.output("        %s\n", k)
		}
		return csError
	}
	addr, err := ParseUint64(*optAddr)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	length, err := parseSizeArg(*optLength)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	action := &Action{
		Kind:     kind,
		Pid:      *optPid,
		Addr:     addr,
		Length:   length,
		PrezeroN: *optPrezeroN,
	}
	cost := p.engine.Estimate(action)
	p.output("action=%s cost=%d benefit=%d\n", kind, cost.Cost, cost.Benefit)
	if ranges, ok := cost.Extra.([]ProfileRange); ok {
		for _, r := range ranges {
			p.output("populate %s\n", r.String())
		}
	}
	if *optDecide {
		p.output("decision: %v\n", p.engine.Decide(&cost))
	}
	return csOk
}

// parseSizeArg accepts a byte count in any ParseUint64 base or with a
// unit suffix, so "8192", "0x2000" and "8k" all work.
func parseSizeArg(s string) (uint64, error) {
	if n, err := ParseUint64(s); err == nil {
		return n, nil
	}
	n, err := ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *Prompt) cmdStats(args []string) CommandStatus {
	optFormat := p.f.String("f", "txt", "output format: txt or csv")
	optTables := p.f.String("t", "", "comma-separated list of tables: estimates, decisions, events")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	var stats *Stats
	if p.engine != nil {
		stats = p.engine.Stats()
	} else {
		stats = GetStats()
	}
	if *optTables != "" {
		p.output("%s", stats.Summarize(*optFormat, strings.Split(*optTables, ",")...))
	} else {
		p.output("%s", stats.Summarize(*optFormat))
	}
	return csOk
}

func (p *Prompt) cmdRoutines(args []string) CommandStatus {
	optLs := p.f.Bool("ls", false, "list available routines")
	optDump := p.f.Bool("dump", false, "dump the state of configured routines")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *optLs {
		p.output("%s\n", strings.Join(RoutineList(), "\n"))
		return csOk
	}
	if len(p.routines) == 0 {
		p.output("no routines configured\n")
		return csOk
	}
	for i, routine := range p.routines {
		p.output("routine %d config: %s\n", i, routine.GetConfigJSON())
		if *optDump {
			p.output("%s\n", routine.Dump(p.f.Args()))
		}
	}
	return csOk
}
