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

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KostasMores/cbmm/pkg/cbmm"
	"github.com/KostasMores/cbmm/pkg/version"
)

type routineConfig struct {
	Name   string
	Config string
}

type config struct {
	Engine   cbmm.EngineConfig
	Routines []routineConfig
	// MetricsAddress is the address to serve prometheus metrics
	// on, for example ":8093". Empty: no metrics server.
	MetricsAddress string
}

func exit(format string, a ...interface{}) {
	_, _ = fmt.Fprintf(os.Stderr, "cbmmd: "+format+"\n", a...)
	os.Exit(1)
}

func loadConfigFile(filename string, engine *cbmm.Engine) ([]cbmm.Routine, string) {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		exit("%s", err)
	}
	var config config
	err = yaml.Unmarshal(configBytes, &config)
	if err != nil {
		exit("error in %q: %s", filename, err)
	}

	engineCfg, err := yaml.Marshal(config.Engine)
	if err != nil {
		exit("error in %q: %s", filename, err)
	}
	if err := engine.SetConfigJSON(string(engineCfg)); err != nil {
		exit("error in engine configuration: %s", err)
	}

	routines := []cbmm.Routine{}
	for _, routineCfg := range config.Routines {
		routine, err := cbmm.NewRoutine(routineCfg.Name)
		if err != nil {
			exit("%s", err)
		}
		err = routine.SetConfigJSON(routineCfg.Config)
		if err != nil {
			exit("routine %s: %s", routineCfg.Name, err)
		}
		routines = append(routines, routine)
	}
	return routines, config.MetricsAddress
}

func serveMetrics(address string, engine *cbmm.Engine) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(cbmm.NewEngineCollector(engine)); err != nil {
		exit("failed to register metrics: %s", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			cbmm.Log().Errorf("metrics server: %s", err)
		}
	}()
}

func main() {
	optPrompt := flag.Bool("prompt", false, "Run commands from standard input (after commands from -c and -f)")
	optConfig := flag.String("config", "", "Load engine tunables and routines from a config FILE")
	optDebug := flag.Bool("debug", false, "Print debug output")
	optCommandString := flag.String("c", "", "Run commands from STRING")
	optCommandFile := flag.String("f", "", "Run commands from FILE")
	optLog := flag.String("l", "", "Write log to FILE, supports \"stdout\" and \"stderr\"")
	optEcho := flag.Bool("echo", false, "Echo commands before executing, affects -c, -f, and -prompt")
	optVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *optVersion {
		fmt.Printf("cbmmd %s (build %s)\n", version.Version, version.Build)
		return
	}

	switch *optLog {
	case "", "stderr":
		cbmm.SetLogger(log.New(os.Stderr, "", 0))
	case "-", "stdout":
		cbmm.SetLogger(log.New(os.Stdout, "", 0))
	default:
		logFile, err := os.OpenFile(*optLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			exit("failed to open log file %q: %v", *optLog, err)
		}
		cbmm.SetLogger(log.New(logFile, "", 0))
	}
	cbmm.SetLogDebug(*optDebug)

	// Configure the engine and run commands in the following order:
	// 1. parse config file, start routines if present
	// 2. run string commands from command line
	// 3. run command file from command file
	// 4. run commands from standard input (interactive mode)
	// Quitting interactive prompt exits cbmmd immediately.
	// Otherwise (no interactive prompt or it is not quitting) if
	// routines are configured, cbmmd will not exit.

	if *optConfig == "" && *optCommandString == "" && *optCommandFile == "" && !*optPrompt {
		exit("required at least one of: -config CONFIGFILE, -c COMMANDS, -f COMMANDFILE, or -prompt")
	}

	var prompt *cbmm.Prompt
	if *optPrompt || *optCommandFile != "" || *optCommandString != "" {
		prompt = cbmm.NewPrompt("cbmmd> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
		prompt.SetEcho(*optEcho)
	}

	engine := cbmm.NewEngine()
	var routines []cbmm.Routine
	if *optConfig != "" {
		var metricsAddress string
		routines, metricsAddress = loadConfigFile(*optConfig, engine)
		if metricsAddress != "" {
			serveMetrics(metricsAddress, engine)
		}
	}

	for r, routine := range routines {
		if err := routine.SetEngine(engine); err != nil {
			exit("error in setting engine for routine: %s", err)
		}
		if err := routine.Start(); err != nil {
			exit("error in starting routine %d: %s", r+1, err)
		}
	}
	if prompt != nil {
		prompt.SetEngine(engine)
		prompt.SetRoutines(routines)
	}

	if *optCommandString != "" {
		prompt.SetInput(bufio.NewReader(strings.NewReader(*optCommandString)))
		cbmm.Log().Debugf("executing commands from command line")
		prompt.Interact()
	}

	if *optCommandFile != "" {
		commandFile, err := os.Open(*optCommandFile)
		if err != nil {
			exit("error in opening command file %q: %v", *optCommandFile, err)
		}
		prompt.SetInput(bufio.NewReader(commandFile))
		cbmm.Log().Debugf("executing commands from file %q", *optCommandFile)
		prompt.Interact()
		commandFile.Close()
	}

	if *optPrompt {
		prompt.SetInput(bufio.NewReader(os.Stdin))
		cbmm.Log().Debugf("executing commands from standard input")
		prompt.Interact()
	} else if len(routines) > 0 {
		cbmm.Log().Debugf("running the routines")
		select {}
	}
}
