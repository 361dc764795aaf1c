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

// ActiveJob is a job that has been assigned to a worker but not yet
// retrieved by the client.
type ActiveJob struct {
	Id         protocol.JobId
	Worker     string
	LastStatus protocol.StatusEnvelope
	Result     protocol.ResultEnvelope
	HaveResult bool
	Expiry     time.Time
}

// activeJobs indexes ActiveJob by JobId. Mutated only from the router core's
// single goroutine.
type activeJobs struct {
	byId      map[protocol.JobId]*ActiveJob
	heartbeat time.Duration
}

func newActiveJobs(heartbeat time.Duration) *activeJobs {
	return &activeJobs{
		byId:      make(map[protocol.JobId]*ActiveJob),
		heartbeat: heartbeat,
	}
}

// add assigns a job to a worker, entering it as IN_PROGRESS.
func (a *activeJobs) add(id protocol.JobId, addr string, now time.Time) *ActiveJob {
	job := &ActiveJob{
		Id:     id,
		Worker: addr,
		LastStatus: protocol.StatusEnvelope{
			JobId:  id,
			Status: protocol.InProgress,
		},
		Expiry: now.Add(a.heartbeat),
	}
	a.byId[id] = job
	return job
}

// haveId reports whether id is in the active-jobs table.
func (a *activeJobs) haveId(id protocol.JobId) bool {
	_, ok := a.byId[id]
	return ok
}

// get returns the ActiveJob for id, if any.
func (a *activeJobs) get(id protocol.JobId) (*ActiveJob, bool) {
	job, ok := a.byId[id]
	return job, ok
}

// updateStatus applies a status update under the monotonicity rule: a lower
// numeric status never overwrites a higher one. Returns false if the update
// was rejected as a regression.
func (a *activeJobs) updateStatus(id protocol.JobId, status protocol.StatusEnvelope) bool {
	job, ok := a.byId[id]
	if !ok {
		return false
	}
	if status.Status < job.LastStatus.Status {
		return false
	}
	job.LastStatus = status
	return true
}

// updateResult stores a result, raising a non-terminal status to FINISHED.
// A job already terminal at something other than FINISHED (FAILED/EXPIRED,
// e.g. from a TERMINATE_JOB or a liveness sweep) never accepts a late
// result: doing so would let a worker's delayed RETRIEVE_MESH resurrect a
// job the broker already declared dead, violating invariant 3
// (haveResult ⇒ FINISHED) and the cancellation guarantee in §5.
func (a *activeJobs) updateResult(id protocol.JobId, result protocol.ResultEnvelope) bool {
	job, ok := a.byId[id]
	if !ok {
		return false
	}
	if job.LastStatus.Status.Terminal() && job.LastStatus.Status != protocol.Finished {
		return false
	}
	job.Result = result
	job.HaveResult = true
	if job.LastStatus.Status < protocol.Finished {
		job.LastStatus.Status = protocol.Finished
	}
	return true
}

// status returns the last known status for id.
func (a *activeJobs) status(id protocol.JobId) (protocol.StatusEnvelope, bool) {
	job, ok := a.byId[id]
	if !ok {
		return protocol.StatusEnvelope{}, false
	}
	return job.LastStatus, true
}

// result returns the stored result for id.
func (a *activeJobs) result(id protocol.JobId) (protocol.ResultEnvelope, bool) {
	job, ok := a.byId[id]
	if !ok || !job.HaveResult {
		return protocol.ResultEnvelope{}, false
	}
	return job.Result, true
}

// haveResult reports whether id has a stored result.
func (a *activeJobs) haveResult(id protocol.JobId) bool {
	job, ok := a.byId[id]
	return ok && job.HaveResult
}

// refreshForWorker extends the expiry of every job owned by addr.
func (a *activeJobs) refreshForWorker(addr string, now time.Time) {
	for _, job := range a.byId {
		if job.Worker == addr {
			job.Expiry = now.Add(a.heartbeat)
		}
	}
}

// markFailedExpired sets FAILED on every job whose expiry is past and not
// already terminal, returning their ids.
func (a *activeJobs) markFailedExpired(now time.Time) []protocol.JobId {
	var failed []protocol.JobId
	for id, job := range a.byId {
		if job.LastStatus.Status.Terminal() {
			continue
		}
		if now.After(job.Expiry) {
			job.LastStatus = protocol.StatusEnvelope{JobId: id, Status: protocol.Failed}
			failed = append(failed, id)
		}
	}
	return failed
}

// failWorker marks FAILED every non-terminal job owned by addr, used when the
// liveness sweep declares a worker dead (invariant 5).
func (a *activeJobs) failWorker(addr string) []protocol.JobId {
	var failed []protocol.JobId
	for id, job := range a.byId {
		if job.Worker != addr {
			continue
		}
		if job.LastStatus.Status.Terminal() {
			continue
		}
		job.LastStatus = protocol.StatusEnvelope{JobId: id, Status: protocol.Failed}
		failed = append(failed, id)
	}
	return failed
}

// remove deletes id from the table, used after a successful RETRIEVE_MESH.
func (a *activeJobs) remove(id protocol.JobId) {
	delete(a.byId, id)
}
