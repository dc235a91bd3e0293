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

package graph

// Dedup implementation: remove duplicated expressions, also known as "common
// subexpression elimination".
//
// Only operators implementing the Comparable hook participate: the hook is what
// guarantees that two operator instances with equal configuration compare equal.

// dedupKey is used to index into the deduplication map. It provides fast lookup for
// candidate applies with the same operator name and input structure; candidates are
// then confirmed with exact input identity and Comparable.EqualOp.
type dedupKey struct {
	opName     string
	inputCount int
	firstInput *Node // nil if there are no inputs.
}

func makeDedupKey(op Op, inputs []*Node) dedupKey {
	key := dedupKey{
		opName:     op.Name(),
		inputCount: len(inputs),
	}
	if len(inputs) > 0 {
		key.firstInput = inputs[0]
	}
	return key
}

// findDuplicateApply searches for an existing apply that matches the operator and
// inputs. Returns nil if no duplicate is found.
//
// The search process:
//  1. Look up candidates by (operator name, input count, first input pointer).
//  2. For each candidate, verify all inputs match exactly.
//  3. Confirm with the operator's EqualOp hook.
func (g *Graph) findDuplicateApply(op Op, inputs []*Node) *Apply {
	key := makeDedupKey(op, inputs)
	for _, candidate := range g.dedup[key] {
		if !nodesEqual(candidate.inputs, inputs) {
			continue
		}
		if candidate.op.(Comparable).EqualOp(op) {
			return candidate
		}
	}
	return nil
}

// registerForDeduplication adds an apply to the deduplication index. Only applies of
// Comparable operators should be registered.
func (g *Graph) registerForDeduplication(apply *Apply) {
	key := makeDedupKey(apply.op, apply.inputs)
	g.dedup[key] = append(g.dedup[key], apply)
}

// nodesEqual checks if two slices of nodes are equal (same pointers).
func nodesEqual(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
