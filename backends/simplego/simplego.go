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

// Package simplego implements a simple, and not very fast, but very portable backend
// for opgraph.
//
// It interprets the computation one operator application at a time: operators using
// the interpreted strategy (backends.Evaler) are called on every execution, and
// operators using the compiled strategy (backends.ThunkBuilder) have their thunk
// built once at compile time and invoked on every execution. Either way the values
// produced are verified against the shapes the operator's shape inference declared.
//
// Operator applications that don't depend on each other run concurrently, capped at
// runtime.NumCPU() goroutines. The configuration string adjusts this: "sequential"
// disables concurrency, and a number sets the cap.
package simplego

import (
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/internal/workerpool"
)

// BackendName to be used in OPGRAPH_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
//
// The config string controls execution concurrency: empty uses runtime.NumCPU()
// workers, "sequential" disables concurrency, and a number caps the workers at that
// value. It panics on any other value.
func New(config string) backends.Backend {
	pool := workerpool.New()
	switch config {
	case "":
	case "sequential":
		pool = workerpool.NewWithLimit(0)
	default:
		limit, err := strconv.Atoi(config)
		if err != nil {
			exceptions.Panicf("simplego: invalid configuration %q -- use \"\", \"sequential\" or a number of workers", config)
		}
		pool = workerpool.NewWithLimit(limit)
	}
	return &Backend{pool: pool}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	pool *workerpool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to
// pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Interpreter Backend"
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return 1
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return &Builder{
		backend: b,
		name:    name,
	}
}

// Finalize releases all the associated resources immediately, and makes the backend
// invalid.
func (b *Backend) Finalize() {}
