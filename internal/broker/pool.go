// Copyright 2025 Arion Yau
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

package broker

import (
	"time"

	"remus/internal/protocol"
)

// WorkerState is the lifecycle state of a pooled worker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "IDLE"
	case WorkerBusy:
		return "BUSY"
	case WorkerDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// pooledWorker is one connected worker. Address is the opaque ROUTER routing
// identity; the broker never resolves it to anything more than a map key.
type pooledWorker struct {
	Address      string
	Requirements protocol.JobRequirements
	State        WorkerState
	Registered   time.Time
	Expiry       time.Time
}

// workerPool is the set of connected workers, indexed by routing address and
// bucketed by advertised requirement for FIFO-by-registration dispatch. Like
// jobQueue, it is mutated only from the router core's single goroutine.
type workerPool struct {
	byAddress map[string]*pooledWorker
	idleByReq map[string][]*pooledWorker // in the order workers became idle; takeIdle picks by registration time
	heartbeat time.Duration
}

func newWorkerPool(heartbeat time.Duration) *workerPool {
	return &workerPool{
		byAddress: make(map[string]*pooledWorker),
		idleByReq: make(map[string][]*pooledWorker),
		heartbeat: heartbeat,
	}
}

// addWorker registers addr as IDLE with reqs. Idempotent on address: a
// re-registration refreshes expiry and requirements without duplicating the
// entry (invariant 7).
func (p *workerPool) addWorker(addr string, reqs protocol.JobRequirements, now time.Time) *pooledWorker {
	if w, ok := p.byAddress[addr]; ok {
		if w.State == WorkerIdle && w.Requirements.Key() != reqs.Key() {
			// The worker is already sitting in the idle bucket for its old
			// requirements; move it to the new bucket rather than leaving a
			// stale, still-dispatchable entry behind under the old key.
			p.removeIdle(w)
			w.Requirements = reqs
			p.pushIdle(w)
		} else {
			w.Requirements = reqs
		}
		w.Expiry = now.Add(2 * p.heartbeat)
		p.markReady(addr)
		return w
	}

	w := &pooledWorker{
		Address:      addr,
		Requirements: reqs,
		State:        WorkerIdle,
		Registered:   now,
		Expiry:       now.Add(2 * p.heartbeat),
	}
	p.byAddress[addr] = w
	p.pushIdle(w)
	return w
}

// markReady transitions a worker to IDLE: a no-op if already IDLE, otherwise
// moves it from BUSY back into the idle bucket for its requirements.
func (p *workerPool) markReady(addr string) {
	w, ok := p.byAddress[addr]
	if !ok || w.State == WorkerIdle {
		return
	}
	w.State = WorkerIdle
	p.pushIdle(w)
}

// markBusy transitions a worker to BUSY and removes it from its idle bucket.
func (p *workerPool) markBusy(addr string) {
	w, ok := p.byAddress[addr]
	if !ok {
		return
	}
	w.State = WorkerBusy
	p.removeIdle(w)
}

func (p *workerPool) pushIdle(w *pooledWorker) {
	key := w.Requirements.Key()
	p.idleByReq[key] = append(p.idleByReq[key], w)
}

func (p *workerPool) removeIdle(w *pooledWorker) {
	key := w.Requirements.Key()
	bucket := p.idleByReq[key]
	for i, cand := range bucket {
		if cand.Address == w.Address {
			p.idleByReq[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(p.idleByReq[key]) == 0 {
		delete(p.idleByReq, key)
	}
}

// haveIdleFor reports whether an idle worker advertises reqs.
func (p *workerPool) haveIdleFor(reqs protocol.JobRequirements) bool {
	return len(p.idleByReq[reqs.Key()]) > 0
}

// takeIdle pops the earliest-registered idle worker for reqs and marks it BUSY.
func (p *workerPool) takeIdle(reqs protocol.JobRequirements) (string, bool) {
	bucket := p.idleByReq[reqs.Key()]
	if len(bucket) == 0 {
		return "", false
	}
	w := bucket[0]
	for _, cand := range bucket[1:] {
		if cand.Registered.Before(w.Registered) {
			w = cand
		}
	}
	p.markBusy(w.Address)
	return w.Address, true
}

// refresh extends a worker's expiry by one heartbeat interval past now.
func (p *workerPool) refresh(addr string, now time.Time) {
	if w, ok := p.byAddress[addr]; ok {
		w.Expiry = now.Add(p.heartbeat)
	}
}

// get returns the pooled worker at addr, if any.
func (p *workerPool) get(addr string) (*pooledWorker, bool) {
	w, ok := p.byAddress[addr]
	return w, ok
}

// remove deletes a worker from the pool entirely.
func (p *workerPool) remove(addr string) {
	if w, ok := p.byAddress[addr]; ok {
		if w.State == WorkerIdle {
			p.removeIdle(w)
		}
		delete(p.byAddress, addr)
	}
}

// sweep removes and returns the addresses of every worker past expiry.
func (p *workerPool) sweep(now time.Time) []string {
	var dead []string
	for addr, w := range p.byAddress {
		if now.After(w.Expiry) {
			dead = append(dead, addr)
		}
	}
	for _, addr := range dead {
		p.remove(addr)
	}
	return dead
}
