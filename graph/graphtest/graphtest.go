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

// Package graphtest holds test utilities for packages that depend on the graph
// package.
package graphtest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/graph"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/xslices"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/opgraph/backends/simplego"
)

// TestGraphFn should build its own inputs (usually constants), and return both inputs
// and outputs.
type TestGraphFn func(g *graph.Graph) (inputs, outputs []*graph.Node)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the backend tests should use: "go" by default, it can be
// overwritten by the OPGRAPH_BACKEND environment variable.
func BuildTestBackend() backends.Backend {
	backends.DefaultConfig = simplegoDefault
	backendOnce.Do(func() {
		cachedBackend = backends.MustNew()
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

const simplegoDefault = "go"

// SkipIfBackendUnavailable skips the test when the named backend is not registered:
// backends are optional dependencies, and their absence should not fail a test suite.
func SkipIfBackendUnavailable(t *testing.T, name string) {
	if !backends.IsRegistered(name) {
		t.Skipf("backend %q is not registered, skipping -- registered backends: %v", name, backends.List())
	}
}

// RunTestGraphFn tests a graph building function graphFn by compiling and executing
// it and comparing its output(s) to the values in want, reporting back any errors in
// t.
//
// delta is the margin of error accepted on the difference of output and want values.
// A delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		backend := BuildTestBackend()
		wantTensors := xslices.Map(want, tensors.FromAnyValue)
		g := graph.NewGraph(backend, testName)
		_, outputs := graphFn(g)
		if len(outputs) != len(want) {
			t.Fatalf("%s: graphFn returned %d outputs, want %d", testName, len(outputs), len(want))
		}
		g.Compile(outputs...)
		results := must.M1(g.Executable().Execute())
		for ii, result := range results {
			wantTensor := wantTensors[ii]
			ok := wantTensor.InDelta(result, delta)
			if delta <= 0 {
				ok = wantTensor.Equal(result)
			}
			if !ok {
				t.Errorf("%s: output #%d: want=%s, got=%s", testName, ii, wantTensor.GoStr(), result.GoStr())
			}
		}
	})
}
