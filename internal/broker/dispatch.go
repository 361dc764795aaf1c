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
	"remus/internal/protocol"
)

// handleClientFrame decodes and dispatches one client->broker frame,
// replying synchronously on the client socket per §4.1 step 1.
func (b *Broker) handleClientFrame(f inboundFrame) {
	b.clientFramesIn++

	msg, err := protocol.Decode(f.frames)
	if err != nil {
		b.logger.Debug().Err(err).Str("addr", f.addr).Msg("malformed client frame")
		b.replyClientStatus(f.addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}
	if !msg.Service.Valid() {
		b.logger.Debug().Str("addr", f.addr).Msg("unknown client service type")
		b.replyClientStatus(f.addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}

	switch msg.Service {
	case protocol.CanMesh:
		b.handleClientCanMesh(f.addr, msg)
	case protocol.MakeMesh:
		b.handleClientMakeMesh(f.addr, msg)
	case protocol.MeshStatus:
		b.handleClientMeshStatus(f.addr, msg)
	case protocol.RetrieveMesh:
		b.handleClientRetrieveMesh(f.addr, msg)
	case protocol.TerminateJob:
		b.handleClientTerminateJob(f.addr, msg)
	default:
		b.replyClientStatus(f.addr, protocol.StatusEnvelope{Status: protocol.Invalid})
	}
}

func (b *Broker) handleClientCanMesh(addr string, msg protocol.JobMessage) {
	req := requirementsFromMessage(msg)
	canMesh := b.pool.haveIdleFor(req)
	if !canMesh && b.factory.CanLaunch(req) {
		for _, supported := range b.factory.SupportedRequirements() {
			if supported.Key() == req.Key() {
				canMesh = true
				break
			}
		}
	}
	b.sendToClient(addr, protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.CanMesh,
		Payload: protocol.EncodeCanMeshResult(protocol.CanMeshResult{CanMesh: canMesh}),
	})
}

func (b *Broker) handleClientMakeMesh(addr string, msg protocol.JobMessage) {
	sub, err := protocol.DecodeSubmission(msg.Payload)
	if err != nil {
		b.logger.Debug().Err(err).Msg("malformed job submission")
		b.replyClientStatus(addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}

	id := protocol.NewJobId()
	b.queue.addJob(QueuedJob{
		Id:      id,
		Req:     sub.Requirements,
		Sub:     sub,
		Arrival: protocol.Now(),
	})

	b.events.Publish(TopicJobQueued, protocol.StatusEnvelope{JobId: id, Status: protocol.Queued})

	b.sendToClient(addr, protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.MakeMesh,
		Payload: protocol.EncodeJobId(id),
	})
}

func (b *Broker) handleClientMeshStatus(addr string, msg protocol.JobMessage) {
	id, err := protocol.DecodeJobId(msg.Payload)
	if err != nil {
		b.replyClientStatus(addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}

	// Queue is consulted before active-jobs, matching the original
	// broker's meshStatus checking its own queue index first.
	if b.queue.haveId(id) {
		b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Queued})
		return
	}
	if status, ok := b.jobs.status(id); ok {
		b.replyClientStatus(addr, status)
		return
	}
	b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Invalid})
}

func (b *Broker) handleClientRetrieveMesh(addr string, msg protocol.JobMessage) {
	id, err := protocol.DecodeJobId(msg.Payload)
	if err != nil {
		b.replyClientStatus(addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}

	if result, ok := b.jobs.result(id); ok {
		b.sendToClient(addr, protocol.JobMessage{
			Version: protocol.ProtocolVersion,
			Service: protocol.RetrieveMesh,
			Payload: protocol.EncodeResultEnvelope(result),
		})
		b.jobs.remove(id)
		return
	}

	// No result yet: reply with the job's status envelope in place of a
	// bogus result (the NO_PATH case, § SUPPLEMENTED FEATURES). A FAILED or
	// EXPIRED job will never get a result, so this reply also removes it.
	if status, ok := b.jobs.status(id); ok {
		b.replyClientStatus(addr, status)
		if status.Status == protocol.Failed || status.Status == protocol.Expired {
			b.jobs.remove(id)
		}
		return
	}
	b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Invalid})
}

func (b *Broker) handleClientTerminateJob(addr string, msg protocol.JobMessage) {
	id, err := protocol.DecodeJobId(msg.Payload)
	if err != nil {
		b.replyClientStatus(addr, protocol.StatusEnvelope{Status: protocol.Invalid})
		return
	}

	if b.queue.removeById(id) {
		b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
		return
	}
	if b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed}) {
		// Tell the worker holding this job to stop; it may reply late,
		// but monotonicity prevents any such reply from reviving it.
		if job, ok := b.jobs.get(id); ok {
			b.sendToWorker(job.Worker, protocol.JobMessage{
				Version: protocol.ProtocolVersion,
				Service: protocol.TerminateJob,
				Payload: protocol.EncodeJobId(id),
			})
		}
		b.events.Publish(TopicJobFailed, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
		b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
		return
	}
	b.replyClientStatus(addr, protocol.StatusEnvelope{JobId: id, Status: protocol.Invalid})
}

// handleWorkerFrame decodes and dispatches one worker->broker frame (§4.1
// step 2). Workers never get a synchronous reply, not even to a heartbeat;
// work assignment happens later, at dispatch.
func (b *Broker) handleWorkerFrame(f inboundFrame) {
	b.workerFramesIn++

	msg, err := protocol.Decode(f.frames)
	if err != nil {
		b.logger.Debug().Err(err).Str("addr", f.addr).Msg("malformed worker frame")
		return
	}
	if !msg.Service.Valid() {
		b.logger.Debug().Str("addr", f.addr).Msg("unknown worker service type")
		return
	}

	now := protocol.Now()
	switch msg.Service {
	case protocol.CanMesh:
		req := requirementsFromMessage(msg)
		b.pool.addWorker(f.addr, req, now)
		b.events.Publish(TopicWorkerRegistered, WorkerInfo{Address: f.addr, Requirements: req, State: WorkerIdle.String()})
	case protocol.MakeMesh:
		req := requirementsFromMessage(msg)
		if _, known := b.pool.get(f.addr); !known {
			b.pool.addWorker(f.addr, req, now)
		}
		b.pool.markReady(f.addr)
		b.events.Publish(TopicWorkerAskingForJob, WorkerInfo{Address: f.addr, Requirements: req, State: WorkerIdle.String()})
	case protocol.MeshStatus:
		b.handleWorkerMeshStatus(f.addr, msg)
	case protocol.RetrieveMesh:
		b.handleWorkerRetrieveMesh(f.addr, msg)
	case protocol.Heartbeat:
		b.pool.refresh(f.addr, now)
		b.jobs.refreshForWorker(f.addr, now)
	case protocol.Shutdown:
		for _, id := range b.jobs.failWorker(f.addr) {
			b.events.Publish(TopicJobFailed, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
		}
		b.pool.remove(f.addr)
		b.events.Publish(TopicWorkerTerminated, WorkerInfo{Address: f.addr})
	}
}

func (b *Broker) handleWorkerMeshStatus(addr string, msg protocol.JobMessage) {
	status, err := protocol.DecodeStatusEnvelope(msg.Payload)
	if err != nil {
		b.logger.Debug().Err(err).Msg("malformed worker status update")
		return
	}
	if !b.jobs.haveId(status.JobId) {
		// ResultWithoutJob-adjacent: a status for an id the broker no
		// longer tracks. Drop silently per §7.
		return
	}
	if !b.jobs.updateStatus(status.JobId, status) {
		b.logger.Debug().Str("job_id", status.JobId.String()).Msg("dropped status regression")
		return
	}

	b.events.Publish(TopicJobStatusChanged, status)
	switch status.Status {
	case protocol.Finished:
		b.events.Publish(TopicJobFinished, status)
	case protocol.Failed:
		b.events.Publish(TopicJobFailed, status)
	}
}

func (b *Broker) handleWorkerRetrieveMesh(addr string, msg protocol.JobMessage) {
	result, err := protocol.DecodeResultEnvelope(msg.Payload)
	if err != nil {
		b.logger.Debug().Err(err).Msg("malformed worker result")
		return
	}
	if !b.jobs.haveId(result.JobId) {
		// ResultWithoutJob: drop silently per §7.
		return
	}
	if !b.jobs.updateResult(result.JobId, result) {
		// Job already terminal at FAILED/EXPIRED (e.g. a prior
		// TERMINATE_JOB): a late result cannot un-terminate it.
		b.logger.Debug().Str("job_id", result.JobId.String()).Msg("dropped late result for terminated job")
		b.pool.markReady(addr)
		return
	}
	b.events.Publish(TopicJobFinished, protocol.StatusEnvelope{JobId: result.JobId, Status: protocol.Finished})
	b.pool.markReady(addr)
}

// sweepLiveness declares dead any worker whose expiry has passed, failing
// every active job it owned (§4.1 step 3, invariant 5).
func (b *Broker) sweepLiveness() {
	now := protocol.Now()
	for _, addr := range b.pool.sweep(now) {
		for _, id := range b.jobs.failWorker(addr) {
			b.events.Publish(TopicJobFailed, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
		}
		b.events.Publish(TopicWorkerHeartbeatFailed, WorkerInfo{Address: addr})
	}
	for _, id := range b.jobs.markFailedExpired(now) {
		b.events.Publish(TopicJobFailed, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})
	}
}

// dispatch pairs queued jobs with idle workers, asking the factory to
// launch more when none are idle (§4.1 step 4).
func (b *Broker) dispatch() {
	for _, req := range b.queue.waitingRequirements() {
		for b.pool.haveIdleFor(req) {
			job, ok := b.queue.takeJob(req)
			if !ok {
				break
			}
			addr, ok := b.pool.takeIdle(req)
			if !ok {
				// No idle worker actually available (a concurrent
				// takeJob/takeIdle race within this single-threaded
				// loop cannot happen, but guard anyway); put the job
				// back so it is not lost.
				b.queue.addJob(job)
				break
			}

			b.jobs.add(job.Id, addr, protocol.Now())
			b.dispatches++

			b.sendToWorker(addr, protocol.JobMessage{
				Version:     protocol.ProtocolVersion,
				Service:     protocol.MakeMesh,
				MeshType:    job.Req.MeshType,
				WorkerName:  job.Req.WorkerName,
				Requirement: job.Req.RequirementBlob,
				Payload:     protocol.EncodeJobAssignment(protocol.JobAssignment{Id: job.Id, Sub: job.Sub}),
			})
			b.events.Publish(TopicJobAssignedToWorker, protocol.StatusEnvelope{JobId: job.Id, Status: protocol.InProgress})
		}

		if !b.pool.haveIdleFor(req) && b.queue.haveWaiting(req) {
			if b.factory.CanLaunch(req) {
				b.factory.Launch(req)
			}
		}
	}
}

func requirementsFromMessage(msg protocol.JobMessage) protocol.JobRequirements {
	return protocol.JobRequirements{
		MeshType:        msg.MeshType,
		WorkerName:      msg.WorkerName,
		RequirementBlob: msg.Requirement,
	}
}

func (b *Broker) replyClientStatus(addr string, status protocol.StatusEnvelope) {
	b.sendToClient(addr, protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(status),
	})
}

func (b *Broker) sendToClient(addr string, msg protocol.JobMessage) {
	if err := b.clientSender.Send(addr, msg); err != nil {
		b.logger.Warn().Err(err).Str("addr", addr).Msg("client send failed")
	}
}

func (b *Broker) sendToWorker(addr string, msg protocol.JobMessage) {
	if err := b.workerSender.Send(addr, msg); err != nil {
		b.logger.Warn().Err(err).Str("addr", addr).Msg("worker send failed")
	}
}
