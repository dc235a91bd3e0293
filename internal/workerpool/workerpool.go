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

// Package workerpool limits how many operator kernels run concurrently during the
// execution of a compiled computation.
package workerpool

import (
	"runtime"
	"sync"
)

// Pool caps the number of goroutines running tasks at the same time.
//
// The limit is a soft target: a task that is waiting for a slot doesn't count against
// it. A limit of 0 disables concurrency, and tasks run inline in the caller's
// goroutine; a negative limit removes the cap entirely.
type Pool struct {
	limit int

	mu      sync.Mutex
	cond    sync.Cond
	running int
}

// New returns a Pool limited to runtime.NumCPU() concurrent tasks.
func New() *Pool {
	return NewWithLimit(runtime.NumCPU())
}

// NewWithLimit returns a Pool with the given concurrency limit: 0 disables
// concurrency, negative is unlimited.
func NewWithLimit(limit int) *Pool {
	p := &Pool{limit: limit}
	p.cond.L = &p.mu
	return p
}

// IsEnabled returns whether the pool runs tasks concurrently at all.
func (p *Pool) IsEnabled() bool { return p.limit != 0 }

// Limit returns the concurrency limit.
func (p *Pool) Limit() int { return p.limit }

// WaitToStart runs the task. If the pool is at its limit it blocks until a slot is
// free, then runs the task in its own goroutine. With concurrency disabled the task
// runs inline, and WaitToStart only returns when it finished.
//
// Callers synchronize completion themselves, typically with a sync.WaitGroup inside
// the task.
func (p *Pool) WaitToStart(task func()) {
	if p.limit == 0 {
		task()
		return
	}
	if p.limit < 0 {
		go task()
		return
	}
	p.mu.Lock()
	for p.running >= p.limit {
		p.cond.Wait()
	}
	p.running++
	p.mu.Unlock()
	go func() {
		defer func() {
			p.mu.Lock()
			p.running--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}
