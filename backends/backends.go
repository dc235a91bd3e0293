/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package backends defines the interface a computation building and execution system
// needs to implement to run opgraph computation graphs, and the registry of available
// backends.
//
// A backend receives the graph one operator application at a time, through Builder,
// and returns an Executable that can be run repeatedly. The backend decides how to run
// each operator from the execution strategy the operator implements: Evaler for
// interpreted per-call execution, or ThunkBuilder for a closure built once at compile
// time and invoked on every execution. Operators that lower themselves to primitive
// graph nodes never reach the backend.
//
// To simplify error handling during graph building, functions are expected to panic
// with a stack trace in case of errors. See package github.com/gomlx/exceptions.
// Execution-time APIs return wrapped errors instead.
package backends

import (
	"os"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// DeviceNum represents which device executes a computation. It is up to the backend to
// interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by an opgraph backend.
type Backend interface {
	// Name returns the short name of the backend, the same it was registered with.
	Name() string

	// Description is a longer description of the Backend that can be used to
	// pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// Finalize releases all the associated resources immediately, and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend with the given name, and a default constructor that takes as
// input a configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered returns whether a backend with the given name was registered.
func IsRegistered(name string) bool {
	_, found := registeredConstructors[name]
	return found
}

// DefaultConfig is the backend configuration to use if OPGRAPH_BACKEND is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// OPGRAPH_BACKEND is the environment variable with the default backend configuration
// to use.
//
// The format of the config is "<backend_name>:<backend_configuration>". The
// "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
const OPGRAPH_BACKEND = "OPGRAPH_BACKEND"

// MustNew returns a new default Backend.
//
// The default is:
//
//  1. The environment variable OPGRAPH_BACKEND is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. The first registered backend is used with an empty configuration.
//
// It panics with a descriptive message if no suitable backend was registered: a
// missing backend is a construction-time error, not an execution-time one.
func MustNew() Backend {
	config, found := os.LookupEnv(OPGRAPH_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". An empty name selects the first
// registered backend.
//
// It panics if the named backend was not registered.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for opgraph -- maybe import the default one with import _ "github.com/gomlx/opgraph/backends/simplego"?`)
	}
	backendName := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given -- registered backends: %v",
			backendName, config, List())
	}
	backend := constructor(backendConfig)
	klog.V(1).Infof("opgraph backend %q: %s", backendName, backend.Description())
	return backend
}
