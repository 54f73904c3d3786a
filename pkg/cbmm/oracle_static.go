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
)

// OracleStaticConfig configures the static oracle.
type OracleStaticConfig struct {
	// Status is the fixed answer: "none", "available" or "zeroed".
	Status string
}

// oracleStatic reports a fixed free page status. Useful for testing
// and for benchmarking the decision paths in isolation.
type oracleStatic struct {
	config *OracleStaticConfig
	status FreePageStatus
}

func init() {
	OracleRegister("static", NewOracleStatic)
}

// NewOracleStatic creates an oracle that always reports the
// configured status.
func NewOracleStatic() (FreePageOracle, error) {
	return &oracleStatic{config: &OracleStaticConfig{Status: "none"}}, nil
}

func (o *oracleStatic) SetConfigJSON(configJSON string) error {
	config := &OracleStaticConfig{}
	if err := unmarshal(configJSON, config); err != nil {
		return err
	}
	switch config.Status {
	case "none":
		o.status = FreePagesNone
	case "available":
		o.status = FreePagesAvailable
	case "zeroed":
		o.status = FreePagesZeroed
	default:
		return fmt.Errorf("invalid free page status %q", config.Status)
	}
	o.config = config
	return nil
}

func (o *oracleStatic) GetConfigJSON() string {
	if configStr, err := json.Marshal(o.config); err == nil {
		return string(configStr)
	}
	return ""
}

func (o *oracleStatic) FreeHugePages() (FreePageStatus, error) {
	return o.status, nil
}
