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
)

// OracleConfig selects and configures a free page oracle.
type OracleConfig struct {
	Name   string
	Config string
}

// EngineConfig holds the engine tunables and the oracle selection.
type EngineConfig struct {
	// Mode is the decision mode: 0 accepts everything, 1 accepts
	// when benefit exceeds cost.
	Mode int
	// Debug is the debug level, 0-2.
	Debug int
	// ContentionMs is the free list lock contention window.
	ContentionMs uint64
	// FreqMHz is the assumed CPU frequency for converting times
	// to cycles.
	FreqMHz uint64
	// Oracle selects the free page oracle. Empty name: no oracle.
	Oracle OracleConfig
}

// SetConfigJSON configures the engine from a JSON or YAML string.
// Zero-valued ContentionMs and FreqMHz keep their current values.
func (e *Engine) SetConfigJSON(configJSON string) error {
	config := &EngineConfig{}
	if err := unmarshal(configJSON, config); err != nil {
		return err
	}
	if err := e.SetMode(config.Mode); err != nil {
		return err
	}
	if err := e.SetDebug(config.Debug); err != nil {
		return err
	}
	if config.ContentionMs > 0 {
		e.SetContentionMs(config.ContentionMs)
	}
	if config.FreqMHz > 0 {
		e.SetFreqMHz(config.FreqMHz)
	}
	if config.Oracle.Name != "" {
		oracle, err := NewOracle(config.Oracle.Name)
		if err != nil {
			return err
		}
		if config.Oracle.Config != "" {
			if err := oracle.SetConfigJSON(config.Oracle.Config); err != nil {
				return err
			}
		}
		e.SetFreePageOracle(oracle)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.config = config
	return nil
}

// GetConfigJSON returns the engine configuration as a JSON string.
func (e *Engine) GetConfigJSON() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.config == nil {
		return ""
	}
	if configStr, err := json.Marshal(e.config); err == nil {
		return string(configStr)
	}
	return ""
}
