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
	"time"
)

// RoutineDaemonsConfig holds the configuration for the daemons routine.
type RoutineDaemonsConfig struct {
	// IntervalMs is the length of the period in milliseconds in
	// which the daemon actions are reconsidered.
	IntervalMs int
	// Actions lists the daemon actions to consider. Valid values
	// are "run-defrag", "run-promotion-daemon" and
	// "run-prezeroing". The default is all three.
	Actions []string
	// PrezeroN is the number of free large pages one prezeroing
	// pass would zero.
	PrezeroN uint64
}

// RoutineDaemons periodically asks the engine whether background
// daemon passes pay for themselves and records the ones that do.
type RoutineDaemons struct {
	config  *RoutineDaemonsConfig
	engine  *Engine
	actions []ActionKind
	cgLoop  chan interface{}
}

func init() {
	RoutineRegister("daemons", NewRoutineDaemons)
}

// NewRoutineDaemons creates a new instance of RoutineDaemons.
func NewRoutineDaemons() (Routine, error) {
	return &RoutineDaemons{}, nil
}

// SetConfigJSON sets the configuration for the daemons routine from a JSON string.
func (r *RoutineDaemons) SetConfigJSON(configJSON string) error {
	config := &RoutineDaemonsConfig{}
	if err := unmarshal(configJSON, config); err != nil {
		return err
	}
	if config.IntervalMs <= 0 {
		return fmt.Errorf("invalid daemons routine configuration, IntervalMs must be > 0")
	}
	if len(config.Actions) == 0 {
		config.Actions = []string{
			ActionRunDefrag.String(),
			ActionRunPromotionDaemon.String(),
			ActionRunPrezeroing.String(),
		}
	}
	actions := []ActionKind{}
	for _, name := range config.Actions {
		kind, err := ParseActionKind(name)
		if err != nil {
			return err
		}
		switch kind {
		case ActionRunDefrag, ActionRunPromotionDaemon, ActionRunPrezeroing:
		default:
			return fmt.Errorf("invalid daemons routine configuration, %q is not a daemon action", name)
		}
		actions = append(actions, kind)
	}
	r.actions = actions
	r.config = config
	return nil
}

// GetConfigJSON returns the configuration of the daemons routine as a JSON string.
func (r *RoutineDaemons) GetConfigJSON() string {
	if r.config == nil {
		return ""
	}
	if configStr, err := json.Marshal(r.config); err == nil {
		return string(configStr)
	}
	return ""
}

// SetEngine sets the engine whose decisions the routine follows.
func (r *RoutineDaemons) SetEngine(engine *Engine) error {
	if engine == nil {
		return fmt.Errorf("invalid engine: nil")
	}
	r.engine = engine
	return nil
}

// Start starts the periodic decision loop.
func (r *RoutineDaemons) Start() error {
	if r.config == nil {
		return fmt.Errorf("cannot start without configuration")
	}
	if r.engine == nil {
		return fmt.Errorf("cannot start without engine")
	}
	if r.cgLoop != nil {
		return fmt.Errorf("already started")
	}
	r.cgLoop = make(chan interface{})
	go r.loop()
	return nil
}

// Stop stops the loop.
func (r *RoutineDaemons) Stop() {
	if r.cgLoop != nil {
		log.Debugf("stopping daemons routine")
		r.cgLoop <- struct{}{}
		r.cgLoop = nil
	} else {
		log.Debugf("daemons routine already stopped")
	}
}

// Dump renders the state of the routine.
func (r *RoutineDaemons) Dump(args []string) string {
	stats := r.engine.Stats()
	dump := "routine \"daemons\":"
	for _, kind := range r.actions {
		dump += fmt.Sprintf(" %s=%d", kind, stats.DaemonRuns(kind))
	}
	return dump
}

func (r *RoutineDaemons) loop() {
	log.Debugf("daemons routine: online\n")
	defer log.Debugf("daemons routine: offline\n")
	ticker := time.NewTicker(time.Duration(r.config.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.cgLoop:
			return
		case <-ticker.C:
			r.considerActions()
		}
	}
}

// considerActions estimates each configured daemon action and
// records those whose benefit wins.
func (r *RoutineDaemons) considerActions() {
	for _, kind := range r.actions {
		action := &Action{Kind: kind}
		if kind == ActionRunPrezeroing {
			action.PrezeroN = r.config.PrezeroN
		}
		cost := r.engine.Estimate(action)
		if r.engine.Decide(&cost) {
			r.engine.Stats().Store(StatsDaemonRun{Kind: kind})
		}
	}
}
