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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OracleBuddyinfoConfig configures the buddyinfo oracle.
type OracleBuddyinfoConfig struct {
	// Path of the buddyinfo file. The default is /proc/buddyinfo.
	Path string
	// MinOrder is the smallest free block order that counts as a
	// free large page. The default is the large page order.
	MinOrder int
	// ZeroedPath is an optional file containing the number of
	// prezeroed free large pages. Without it free pages are never
	// reported as prezeroed.
	ZeroedPath string
}

type oracleBuddyinfo struct {
	config *OracleBuddyinfoConfig
}

func init() {
	OracleRegister("buddyinfo", NewOracleBuddyinfo)
}

// NewOracleBuddyinfo creates an oracle that reads free block counts
// from /proc/buddyinfo.
func NewOracleBuddyinfo() (FreePageOracle, error) {
	return &oracleBuddyinfo{}, nil
}

func (o *oracleBuddyinfo) SetConfigJSON(configJSON string) error {
	config := &OracleBuddyinfoConfig{}
	if err := unmarshal(configJSON, config); err != nil {
		return err
	}
	if config.Path == "" {
		config.Path = "/proc/buddyinfo"
	}
	if config.MinOrder == 0 {
		config.MinOrder = hugePageOrder
	}
	o.config = config
	return nil
}

func (o *oracleBuddyinfo) GetConfigJSON() string {
	if o.config == nil {
		return ""
	}
	if configStr, err := json.Marshal(o.config); err == nil {
		return string(configStr)
	}
	return ""
}

func (o *oracleBuddyinfo) FreeHugePages() (FreePageStatus, error) {
	if o.config == nil {
		if err := o.SetConfigJSON("{}"); err != nil {
			return FreePagesNone, err
		}
	}
	data, err := os.ReadFile(o.config.Path)
	if err != nil {
		return FreePagesNone, fmt.Errorf("reading %q: %w", o.config.Path, err)
	}
	free := false
	for _, line := range strings.Split(string(data), "\n") {
		// Node 0, zone   Normal  72  12 ... one count per order.
		zone := strings.SplitN(line, "zone", 2)
		if len(zone) != 2 {
			continue
		}
		fields := strings.Fields(zone[1])
		if len(fields) < 2 {
			continue
		}
		for order, field := range fields[1:] {
			if order < o.config.MinOrder {
				continue
			}
			count, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return FreePagesNone, fmt.Errorf("bad buddyinfo line %q: %w", line, err)
			}
			if count > 0 {
				free = true
				break
			}
		}
		if free {
			break
		}
	}
	if !free {
		return FreePagesNone, nil
	}
	if o.config.ZeroedPath != "" {
		if n, err := procReadUint(o.config.ZeroedPath); err == nil && n > 0 {
			return FreePagesZeroed, nil
		}
	}
	return FreePagesAvailable, nil
}

// procReadUint reads a single unsigned integer from a proc or sysfs
// style file.
func procReadUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 0, 64)
}
