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
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func newTestPrompt(t *testing.T) (*Prompt, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	prompt := NewPrompt("cbmmd-test> ",
		bufio.NewReader(strings.NewReader("")),
		bufio.NewWriter(&buf))
	engine := NewEngine()
	engine.SetStats(NewStats())
	engine.SetSystemLoad(idleLoad)
	prompt.SetEngine(engine)
	return prompt, &buf
}

func TestPromptSession(t *testing.T) {
	tcases := []struct {
		name           string
		cmds           []string
		expectedOutput []string
	}{
		{
			name: "engine tunables",
			cmds: []string{
				"engine -mode 1 -contention-ms 20",
				"engine",
			},
			expectedOutput: []string{"mode=1 debug=0 contention-ms=20 freq-mhz=3000 pids=0\n"},
		},
		{
			name:           "bad mode is rejected",
			cmds:           []string{"engine -mode 7"},
			expectedOutput: []string{"bad mode 7"},
		},
		{
			name: "filters and profile",
			cmds: []string{
				"filters -pid 42 -add huge,data,0x1000",
				"mmap -pid 42 -section data -addr 0x10000 -length 0x2000",
				"profile -pid 42",
			},
			expectedOutput: []string{
				"POLICY,SECTION,MISSES,CONSTRAINTS...\nhuge,data,0x1000\n",
				"Huge Page Ranges:\n[0x10000, 0x12000) (8192 bytes) benefit=0x1000\n",
			},
		},
		{
			name: "unit suffixed mapping length",
			cmds: []string{
				"filters -pid 42 -add huge,data,0x1000",
				"mmap -pid 42 -section data -addr 0x10000 -length 8k",
				"profile -pid 42",
			},
			expectedOutput: []string{
				"Huge Page Ranges:\n[0x10000, 0x12000) (8192 bytes) benefit=0x1000\n",
			},
		},
		{
			name:           "bad length unit is rejected",
			cmds:           []string{"mmap -pid 42 -section data -addr 0x10000 -length 8q"},
			expectedOutput: []string{"syntax error in bytes \"8q\""},
		},
		{
			name: "estimate with decision",
			cmds: []string{
				"engine -mode 1",
				"filters -pid 42 -add huge,data,0x1000",
				"mmap -pid 42 -section data -addr 0x10000 -length 0x2000",
				"oracle -create static",
				"oracle -config {\"Status\":\"zeroed\"}",
				"estimate -action promote-huge-page -pid 42 -addr 0x11000 -decide",
			},
			expectedOutput: []string{
				"action=promote-huge-page cost=0 benefit=4096\n",
				"decision: true\n",
			},
		},
		{
			name:           "unknown action lists valid ones",
			cmds:           []string{"estimate -action frobnicate"},
			expectedOutput: []string{"valid actions:", "promote-huge-page", "eager-paging"},
		},
		{
			name: "exited drops the profile",
			cmds: []string{
				"filters -pid 42 -add huge,data,0x1000",
				"exited -pid 42",
				"profile -pid 42",
			},
			expectedOutput: []string{"pid 42:"},
		},
		{
			name:           "oracle listing",
			cmds:           []string{"oracle -ls"},
			expectedOutput: []string{"buddyinfo", "static"},
		},
		{
			name:           "unknown command",
			cmds:           []string{"frobnicate"},
			expectedOutput: []string{"unknown command \"frobnicate\"\n"},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			prompt, buf := newTestPrompt(t)
			for _, cmd := range tc.cmds {
				prompt.RunCmdString(cmd)
			}
			out := buf.String()
			for _, expected := range tc.expectedOutput {
				if !strings.Contains(out, expected) {
					t.Errorf("output %q does not contain %q", out, expected)
				}
			}
		})
	}
}

func FuzzPrompt(f *testing.F) {
	testcases := []string{
		"help",
		"nop",
		"engine",
		"engine -mode 1 -debug 2 -contention-ms 20 -freq-mhz 2000",
		"engine -counters",
		"oracle -ls",
		"oracle -create static -config {\"Status\":\"available\"} -query",
		"oracle -create buddyinfo -config {\"MinOrder\":9}",
		"filters -pid 42 -add huge,data,0x1000",
		"filters -pid 42 -add eager,mmap,0x2000,len,>,0x100000",
		"filters -pid 42 -clear",
		"profile -pid 42",
		"mmap -pid 42 -section data -addr 0x10000 -length 0x2000",
		"mmap -pid 42 -section heap -addr 0x20000 -length 16M",
		"mmap -pid 42 -section mmap -addr 0x7f0000000000 -length 0x200000 -prot 0x3 -flags 0x22 -fd -1",
		"fork -old 42 -new 43",
		"exited -pid 43",
		"estimate -action promote-huge-page -pid 42 -addr 0x11000",
		"estimate -action run-prezeroing -prezero-n 512 -decide",
		"estimate -action eager-paging -pid 42 -addr 0x10000 -length 0x2000",
		"stats",
		"stats -f csv",
		"stats -t estimates,decisions",
		"routines -ls",
		"time -now",
		"q",
	}
	for _, tc := range testcases {
		f.Add(tc)
	}

	var buf bytes.Buffer
	prompt := NewPrompt("cbmmd-fuzzed> ",
		bufio.NewReader(strings.NewReader("")),
		bufio.NewWriter(&buf))
	engine := NewEngine()
	engine.SetStats(NewStats())
	prompt.SetEngine(engine)

	f.Fuzz(func(t *testing.T, input string) {
		if strings.Contains(input, "|") {
			// Do not fuzz inputs with pipes, as it would
			// execute fuzzed strings in shell.
			return
		}
		prompt.RunCmdString(input)
	})
}
