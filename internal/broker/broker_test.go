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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"remus/internal/config"
	"remus/internal/protocol"
)

// fakeSender records every message sent to it instead of touching a real
// socket, so dispatch logic can be exercised without ZeroMQ.
type fakeSender struct {
	mu  sync.Mutex
	out map[string][]protocol.JobMessage
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(map[string][]protocol.JobMessage)}
}

func (f *fakeSender) Send(addr string, msg protocol.JobMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[addr] = append(f.out[addr], msg)
	return nil
}

func (f *fakeSender) last(addr string) (protocol.JobMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.out[addr]
	if len(msgs) == 0 {
		return protocol.JobMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeSender) count(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out[addr])
}

// newTestBroker builds a Broker wired to fake senders and an unbound event
// publisher, bypassing Run's socket setup entirely.
func newTestBroker(t *testing.T, factory WorkerFactory) (*Broker, *fakeSender, *fakeSender) {
	t.Helper()
	return buildTestBroker(factory)
}

func buildTestBroker(factory WorkerFactory) (*Broker, *fakeSender, *fakeSender) {
	cfg := config.NewDefault()
	cfg.Network.HeartbeatInterval = "100ms"
	b := New(cfg, factory, zerolog.Nop())

	clientSender := newFakeSender()
	workerSender := newFakeSender()
	b.clientSender = clientSender
	b.workerSender = workerSender
	b.events = newEventPublisher(context.Background(), zerolog.Nop())

	return b, clientSender, workerSender
}

func frameFrom(msg protocol.JobMessage) inboundFrame {
	return inboundFrame{frames: protocol.Encode(msg)}
}

func testRequirements() protocol.JobRequirements {
	return protocol.JobRequirements{
		MeshType:   protocol.MeshIOType{InputType: "raw_edges", OutputType: "mesh2d"},
		WorkerName: "triangle",
	}
}

// TestInvariant1DisjointPlacement verifies a job id never appears in both
// the queue and active-jobs (invariant 1).
func TestInvariant1DisjointPlacement(t *testing.T) {
	b, clientSender, workerSender := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	sub := protocol.JobSubmission{
		Requirements: req,
		Content:      map[string]protocol.JobContent{protocol.DefaultContentKey: {Format: "text", Data: []byte("TEST")}},
	}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
		Version:    protocol.ProtocolVersion,
		Service:    protocol.MakeMesh,
		MeshType:   req.MeshType,
		WorkerName: req.WorkerName,
		Payload:    protocol.EncodeSubmission(sub),
	}))

	reply, ok := clientSender.last("client-1")
	if !ok {
		t.Fatal("expected a MAKE_MESH reply")
	}
	id, err := protocol.DecodeJobId(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeJobId failed: %v", err)
	}

	if !b.queue.haveId(id) {
		t.Fatal("expected job to be queued")
	}
	if b.jobs.haveId(id) {
		t.Fatal("job must not be in active-jobs while still queued")
	}

	// Register a worker and dispatch.
	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version:    protocol.ProtocolVersion,
		Service:    protocol.CanMesh,
		MeshType:   req.MeshType,
		WorkerName: req.WorkerName,
	}))
	b.dispatch()

	if b.queue.haveId(id) {
		t.Fatal("job must not remain queued once dispatched")
	}
	if !b.jobs.haveId(id) {
		t.Fatal("job must be in active-jobs once dispatched")
	}
	if workerSender.count("worker-1") != 1 {
		t.Fatalf("expected exactly one message sent to worker-1, got %d", workerSender.count("worker-1"))
	}
}

func frameFromAddr(addr string, msg protocol.JobMessage) inboundFrame {
	f := frameFrom(msg)
	f.addr = addr
	return f
}

// TestInvariant2StatusMonotonicity verifies the stored status is the
// maximum seen, and that a regression to IN_PROGRESS after FAILED is rejected.
func TestInvariant2StatusMonotonicity(t *testing.T) {
	b, _, _ := newTestBroker(t, QueueEverythingFactory{})
	id := protocol.NewJobId()
	b.jobs.byId[id] = &ActiveJob{Id: id, Worker: "w1", LastStatus: protocol.StatusEnvelope{JobId: id, Status: protocol.Queued}}

	if !b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.InProgress}) {
		t.Fatal("QUEUED -> IN_PROGRESS must be accepted")
	}
	if !b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed}) {
		t.Fatal("IN_PROGRESS -> FAILED must be accepted")
	}
	if b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.InProgress}) {
		t.Fatal("a regression to IN_PROGRESS after FAILED must be rejected")
	}
	status, _ := b.jobs.status(id)
	if status.Status != protocol.Failed {
		t.Fatalf("expected status to remain FAILED, got %v", status.Status)
	}
}

// TestInvariant3ResultImpliesFinished verifies haveResult(id) ⇒ FINISHED.
func TestInvariant3ResultImpliesFinished(t *testing.T) {
	b, _, _ := newTestBroker(t, QueueEverythingFactory{})
	id := protocol.NewJobId()
	b.jobs.add(id, "w1", time.Now())

	b.jobs.updateResult(id, protocol.ResultEnvelope{JobId: id, Inline: []byte("DONE")})

	if !b.jobs.haveResult(id) {
		t.Fatal("expected a stored result")
	}
	status, _ := b.jobs.status(id)
	if status.Status != protocol.Finished {
		t.Fatalf("expected FINISHED once a result is stored, got %v", status.Status)
	}
}

// TestLateResultAfterTerminateDropped verifies a worker's RETRIEVE_MESH
// arriving after TERMINATE_JOB already failed the job cannot resurrect it
// as FINISHED (invariant 3 combined with the §5 cancellation guarantee).
func TestLateResultAfterTerminateDropped(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, QueueEverythingFactory{})
	id := protocol.NewJobId()
	b.jobs.add(id, "worker-1", time.Now())

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.TerminateJob,
		Payload: protocol.EncodeJobId(id),
	}))
	status, ok := b.jobs.status(id)
	if !ok || status.Status != protocol.Failed {
		t.Fatalf("expected job to be FAILED after termination, got %v (ok=%v)", status.Status, ok)
	}

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.RetrieveMesh,
		Payload: protocol.EncodeResultEnvelope(protocol.ResultEnvelope{JobId: id, Inline: []byte("TOO LATE")}),
	}))

	if b.jobs.haveResult(id) {
		t.Fatal("a late result must not be stored for a job already terminated")
	}
	status, _ = b.jobs.status(id)
	if status.Status != protocol.Failed {
		t.Fatalf("expected status to remain FAILED, got %v", status.Status)
	}

	clientSender.out = map[string][]protocol.JobMessage{}
	b.handleClientRetrieveMesh("client-1", protocol.JobMessage{Payload: protocol.EncodeJobId(id)})
	reply, ok := clientSender.last("client-1")
	if !ok {
		t.Fatal("expected a reply to RETRIEVE_MESH")
	}
	replyStatus, err := protocol.DecodeStatusEnvelope(reply.Payload)
	if err != nil {
		t.Fatalf("expected a status envelope reply, got decode error: %v", err)
	}
	if replyStatus.Status != protocol.Failed {
		t.Fatalf("expected client to see FAILED, not a resurrected result, got %v", replyStatus.Status)
	}
}

// TestInvariant4DispatchLiveness verifies a queued job paired with an idle
// worker is dispatched within one tick.
func TestInvariant4DispatchLiveness(t *testing.T) {
	b, clientSender, workerSender := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.CanMesh,
		MeshType: req.MeshType, WorkerName: req.WorkerName,
	}))

	sub := protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}}}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MakeMesh,
		MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub),
	}))
	reply, _ := clientSender.last("client-1")
	id, _ := protocol.DecodeJobId(reply.Payload)

	b.dispatch()

	w, ok := b.pool.get("worker-1")
	if !ok || w.State != WorkerBusy {
		t.Fatal("expected worker-1 to be BUSY after one dispatch tick")
	}
	status, ok := b.jobs.status(id)
	if !ok || status.Status != protocol.InProgress {
		t.Fatalf("expected job to be IN_PROGRESS in active-jobs, got ok=%v status=%v", ok, status.Status)
	}
	if workerSender.count("worker-1") != 1 {
		t.Fatal("expected the submission to be sent to worker-1")
	}
}

// TestInvariant5WorkerDeathPropagation verifies a dead worker's job becomes
// FAILED within one sweep and stays retrievable as such.
func TestInvariant5WorkerDeathPropagation(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, QueueEverythingFactory{})
	id := protocol.NewJobId()
	b.jobs.add(id, "worker-1", time.Now())
	b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.InProgress, ProgressValue: 10})
	b.pool.byAddress["worker-1"] = &pooledWorker{
		Address: "worker-1", State: WorkerBusy, Expiry: time.Now().Add(-time.Second),
	}

	b.sweepLiveness()

	status, ok := b.jobs.status(id)
	if !ok || status.Status != protocol.Failed {
		t.Fatalf("expected job to be FAILED after sweep, got ok=%v status=%v", ok, status.Status)
	}
	if _, stillPooled := b.pool.get("worker-1"); stillPooled {
		t.Fatal("expected dead worker to be removed from the pool")
	}

	b.handleClientRetrieveMesh("client-1", protocol.JobMessage{Payload: protocol.EncodeJobId(id)})
	reply, ok := clientSender.last("client-1")
	if !ok {
		t.Fatal("expected a RETRIEVE_MESH reply")
	}
	got, err := protocol.DecodeStatusEnvelope(reply.Payload)
	if err != nil {
		t.Fatalf("expected a status envelope, got error: %v", err)
	}
	if got.Status != protocol.Failed {
		t.Fatalf("expected RETRIEVE_MESH to report FAILED, got %v", got.Status)
	}
}

// TestInvariant6FIFOWithinClass verifies two jobs of identical requirements
// go to two workers in registration/submission order.
func TestInvariant6FIFOWithinClass(t *testing.T) {
	b, clientSender, workerSender := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	sub := func(data string) protocol.JobSubmission {
		return protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte(data)}}}
	}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MakeMesh,
		MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub("J1")),
	}))
	reply1, _ := clientSender.last("client-1")
	j1, _ := protocol.DecodeJobId(reply1.Payload)

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MakeMesh,
		MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub("J2")),
	}))
	reply2, _ := clientSender.last("client-1")
	j2, _ := protocol.DecodeJobId(reply2.Payload)

	b.handleWorkerFrame(frameFromAddr("w1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))
	b.handleWorkerFrame(frameFromAddr("w2", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))

	b.dispatch()

	j1Job, ok := b.jobs.get(j1)
	if !ok || j1Job.Worker != "w1" {
		t.Fatalf("expected J1 dispatched to w1, got worker=%v ok=%v", j1Job, ok)
	}
	j2Job, ok := b.jobs.get(j2)
	if !ok || j2Job.Worker != "w2" {
		t.Fatalf("expected J2 dispatched to w2, got worker=%v ok=%v", j2Job, ok)
	}
	if workerSender.count("w1") != 1 || workerSender.count("w2") != 1 {
		t.Fatal("expected exactly one submission sent to each worker")
	}
}

// TestInvariant7IdempotentRegistration verifies re-registering a known
// worker does not duplicate it and refreshes its expiry.
func TestInvariant7IdempotentRegistration(t *testing.T) {
	b, _, _ := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))
	firstExpiry := b.pool.byAddress["worker-1"].Expiry

	time.Sleep(2 * time.Millisecond)
	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))

	if len(b.pool.byAddress) != 1 {
		t.Fatalf("expected exactly one pooled worker, got %d", len(b.pool.byAddress))
	}
	if !b.pool.byAddress["worker-1"].Expiry.After(firstExpiry) {
		t.Fatal("expected re-registration to refresh expiry")
	}
}

// TestScenarioS1HappyPath walks the full submit -> dispatch -> progress ->
// finish -> retrieve lifecycle.
func TestScenarioS1HappyPath(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, QueueEverythingFactory{})
	req := protocol.JobRequirements{MeshType: protocol.MeshIOType{InputType: "raw_edges", OutputType: "mesh2d"}}

	sub := protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("TEST")}}}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: req.MeshType, Payload: protocol.EncodeSubmission(sub)}))
	reply, _ := clientSender.last("client-1")
	id, err := protocol.DecodeJobId(reply.Payload)
	if err != nil {
		t.Fatalf("expected a JobId reply, got error: %v", err)
	}

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType}))
	b.dispatch()

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{JobId: id, Status: protocol.InProgress, ProgressValue: 50}),
	}))
	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{JobId: id, Status: protocol.Finished}),
	}))
	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.RetrieveMesh,
		Payload: protocol.EncodeResultEnvelope(protocol.ResultEnvelope{JobId: id, Inline: []byte("DONE")}),
	}))

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.RetrieveMesh, Payload: protocol.EncodeJobId(id)}))
	final, _ := clientSender.last("client-1")
	result, err := protocol.DecodeResultEnvelope(final.Payload)
	if err != nil {
		t.Fatalf("expected a result envelope, got error: %v", err)
	}
	if string(result.Inline) != "DONE" {
		t.Fatalf("expected result DONE, got %q", result.Inline)
	}
	if b.jobs.haveId(id) {
		t.Fatal("expected the job to be removed from active-jobs after retrieval")
	}
}

// TestScenarioS2NoWorkerNoFactory verifies a job with no matching worker or
// launchable factory stays QUEUED across many ticks, never FAILED.
func TestScenarioS2NoWorkerNoFactory(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, noLaunchFactory{})
	req := testRequirements()

	sub := protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}}}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub)}))
	reply, _ := clientSender.last("client-1")
	id, _ := protocol.DecodeJobId(reply.Payload)

	for i := 0; i < 10; i++ {
		b.sweepLiveness()
		b.dispatch()
	}

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MeshStatus, Payload: protocol.EncodeJobId(id)}))
	status, _ := clientSender.last("client-1")
	got, err := protocol.DecodeStatusEnvelope(status.Payload)
	if err != nil {
		t.Fatalf("expected a status envelope: %v", err)
	}
	if got.Status != protocol.Queued {
		t.Fatalf("expected QUEUED, got %v", got.Status)
	}
}

type noLaunchFactory struct{}

func (noLaunchFactory) SupportedRequirements() []protocol.JobRequirements { return nil }
func (noLaunchFactory) CanLaunch(protocol.JobRequirements) bool           { return false }
func (noLaunchFactory) Launch(protocol.JobRequirements) bool              { return false }
func (noLaunchFactory) UpdateCounts()                                    {}
func (noLaunchFactory) MaxWorkers() int                                  { return 0 }
func (noLaunchFactory) CurrentWorkers() int                              { return 0 }

// TestScenarioS3WorkerDiesMidJob verifies a worker stopping mid-job fails
// the job once its expiry passes, and retrieval then removes it.
func TestScenarioS3WorkerDiesMidJob(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))
	sub := protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}}}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub)}))
	reply, _ := clientSender.last("client-1")
	id, _ := protocol.DecodeJobId(reply.Payload)
	b.dispatch()

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{JobId: id, Status: protocol.InProgress, ProgressValue: 10}),
	}))

	// Simulate 2x heartbeat interval elapsing with no further worker
	// traffic by forcing the pool/active-jobs expiries into the past.
	b.pool.byAddress["worker-1"].Expiry = time.Now().Add(-time.Millisecond)
	b.jobs.byId[id].Expiry = time.Now().Add(-time.Millisecond)

	b.sweepLiveness()

	status, ok := b.jobs.status(id)
	if !ok || status.Status != protocol.Failed {
		t.Fatalf("expected FAILED after the worker's expiry passed, got ok=%v status=%v", ok, status.Status)
	}

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.RetrieveMesh, Payload: protocol.EncodeJobId(id)}))
	if b.jobs.haveId(id) {
		t.Fatal("expected RETRIEVE_MESH to remove the entry")
	}
}

// TestScenarioS4LateStatus verifies a delayed FINISHED frame after a FAILED
// declaration does not resurrect the job.
func TestScenarioS4LateStatus(t *testing.T) {
	b, _, _ := newTestBroker(t, QueueEverythingFactory{})
	id := protocol.NewJobId()
	b.jobs.add(id, "worker-1", time.Now())
	b.jobs.updateStatus(id, protocol.StatusEnvelope{JobId: id, Status: protocol.Failed})

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
		Version: protocol.ProtocolVersion, Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{JobId: id, Status: protocol.Finished}),
	}))

	status, _ := b.jobs.status(id)
	if status.Status != protocol.Failed {
		t.Fatalf("expected status to remain FAILED despite the late FINISHED, got %v", status.Status)
	}
}

// TestScenarioS5CancelQueued verifies an immediate TERMINATE_JOB on a queued
// job removes it before any worker registers.
func TestScenarioS5CancelQueued(t *testing.T) {
	b, clientSender, _ := newTestBroker(t, QueueEverythingFactory{})
	req := testRequirements()

	sub := protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}}}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub)}))
	reply, _ := clientSender.last("client-1")
	id, _ := protocol.DecodeJobId(reply.Payload)

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.TerminateJob, Payload: protocol.EncodeJobId(id)}))

	b.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: req.MeshType, WorkerName: req.WorkerName}))
	b.dispatch()

	if b.queue.haveId(id) {
		t.Fatal("expected the canceled job to be gone from the queue")
	}
	if b.jobs.haveId(id) {
		t.Fatal("expected the canceled job to never reach active-jobs")
	}
}

// TestScenarioS6TwoClassesOneWorkerEach verifies two independent requirement
// classes dispatch to their own matching worker in the same tick.
func TestScenarioS6TwoClassesOneWorkerEach(t *testing.T) {
	b, clientSender, workerSender := newTestBroker(t, QueueEverythingFactory{})
	reqA := protocol.JobRequirements{MeshType: protocol.MeshIOType{InputType: "a_in", OutputType: "a_out"}}
	reqB := protocol.JobRequirements{MeshType: protocol.MeshIOType{InputType: "b_in", OutputType: "b_out"}}

	subFor := func(req protocol.JobRequirements) protocol.JobSubmission {
		return protocol.JobSubmission{Requirements: req, Content: map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}}}
	}
	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: reqA.MeshType, Payload: protocol.EncodeSubmission(subFor(reqA))}))
	replyA, _ := clientSender.last("client-1")
	j1, _ := protocol.DecodeJobId(replyA.Payload)

	b.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.MakeMesh, MeshType: reqB.MeshType, Payload: protocol.EncodeSubmission(subFor(reqB))}))
	replyB, _ := clientSender.last("client-1")
	j2, _ := protocol.DecodeJobId(replyB.Payload)

	b.handleWorkerFrame(frameFromAddr("wa", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: reqA.MeshType}))
	b.handleWorkerFrame(frameFromAddr("wb", protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.CanMesh, MeshType: reqB.MeshType}))

	b.dispatch()

	j1Job, _ := b.jobs.get(j1)
	j2Job, _ := b.jobs.get(j2)
	if j1Job.Worker != "wa" {
		t.Fatalf("expected J1 on wa, got %s", j1Job.Worker)
	}
	if j2Job.Worker != "wb" {
		t.Fatalf("expected J2 on wb, got %s", j2Job.Worker)
	}
	if workerSender.count("wa") != 1 || workerSender.count("wb") != 1 {
		t.Fatal("expected one submission sent to each worker")
	}
}

// BenchmarkDispatch measures one queue-a-job/register-a-worker/dispatch
// cycle, the broker's hottest per-tick path.
func BenchmarkDispatch(b *testing.B) {
	broker, _, _ := buildTestBroker(QueueEverythingFactory{})
	req := testRequirements()
	sub := protocol.JobSubmission{
		Requirements: req,
		Content:      map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: []byte("x")}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		broker.handleClientFrame(frameFromAddr("client-1", protocol.JobMessage{
			Version: protocol.ProtocolVersion, Service: protocol.MakeMesh,
			MeshType: req.MeshType, WorkerName: req.WorkerName, Payload: protocol.EncodeSubmission(sub),
		}))
		broker.handleWorkerFrame(frameFromAddr("worker-1", protocol.JobMessage{
			Version: protocol.ProtocolVersion, Service: protocol.CanMesh,
			MeshType: req.MeshType, WorkerName: req.WorkerName,
		}))
		broker.dispatch()
	}
}
