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

// Package worker implements the Remus worker library: registration,
// heartbeating, and job execution against a broker's worker-facing socket.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"remus/internal/logger"
	"remus/internal/protocol"
)

// Progress reports incremental progress on the job currently being meshed.
type Progress func(value int, message string)

// MeshHandler is the user-supplied meshing implementation a Worker drives.
// Worker itself never calls CanMesh; the broker is the authority on whether
// this worker is asked for a given requirement.
type MeshHandler interface {
	CanMesh(req protocol.JobRequirements) bool
	Mesh(sub protocol.JobSubmission, progress Progress) (protocol.ResultEnvelope, error)
}

// Stats tracks job activity for introspection.
type Stats struct {
	JobsHandled   int
	JobsFailed    int
	LastJob       time.Time
	StartTime     time.Time
	Heartbeats    int
	LastHeartbeat time.Time
}

// msgSender abstracts "encode and send to the broker" so job-handling logic
// can be exercised in tests without a live ZeroMQ socket.
type msgSender interface {
	Send(msg protocol.JobMessage) error
}

// socketSender is the real msgSender, backed by a DEALER socket.
type socketSender struct {
	sock zmq4.Socket
}

func (s socketSender) Send(msg protocol.JobMessage) error {
	return s.sock.Send(zmq4.NewMsgFrom(protocol.Encode(msg)...))
}

// Worker connects to a broker's worker-facing socket, advertises req, and
// loops asking for and executing jobs via handler until Run's context is
// canceled.
type Worker struct {
	brokerAddr string
	identity   string
	req        protocol.JobRequirements
	heartbeat  time.Duration
	handler    MeshHandler

	socket zmq4.Socket
	sender msgSender
	recvCh chan zmq4.Msg
	errCh  chan error

	mu     sync.Mutex
	stats  Stats
	logger zerolog.Logger
}

// New creates a Worker that will advertise req under identity once Run starts.
func New(brokerAddr, identity string, req protocol.JobRequirements, handler MeshHandler) *Worker {
	return &Worker{
		brokerAddr: brokerAddr,
		identity:   identity,
		req:        req,
		heartbeat:  5 * time.Second,
		handler:    handler,
		recvCh:     make(chan zmq4.Msg, 16),
		errCh:      make(chan error, 16),
		logger:     logger.New(),
		stats:      Stats{StartTime: time.Now()},
	}
}

// SetHeartbeat overrides the default heartbeat interval.
func (w *Worker) SetHeartbeat(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeat = d
}

// Stats returns a snapshot of job activity.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run connects, registers, and drives the request-job/execute/report loop
// until ctx is canceled, at which point it sends a SHUTDOWN frame so the
// broker fails any job it still owns without waiting out a full liveness
// timeout (§4.4).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer w.socket.Close()
	w.sender = socketSender{sock: w.socket}

	go w.readLoop(ctx)

	if err := w.send(protocol.JobMessage{
		Version:     protocol.ProtocolVersion,
		Service:     protocol.CanMesh,
		MeshType:    w.req.MeshType,
		WorkerName:  w.req.WorkerName,
		Requirement: w.req.RequirementBlob,
	}); err != nil {
		return fmt.Errorf("failed to register with broker: %w", err)
	}
	w.logger.Info().Str("broker", w.brokerAddr).Str("identity", w.identity).Msg("registered with Remus broker")

	if err := w.askForJob(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.send(protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.Shutdown})
			return nil
		case <-ticker.C:
			if err := w.send(protocol.JobMessage{Version: protocol.ProtocolVersion, Service: protocol.Heartbeat}); err != nil {
				w.logger.Warn().Err(err).Msg("failed to send heartbeat")
				continue
			}
			w.mu.Lock()
			w.stats.Heartbeats++
			w.stats.LastHeartbeat = time.Now()
			w.mu.Unlock()
		case err := <-w.errCh:
			w.logger.Warn().Err(err).Msg("broker connection error")
		case msg := <-w.recvCh:
			decoded, err := protocol.Decode(msg.Frames)
			if err != nil {
				w.logger.Debug().Err(err).Msg("malformed frame from broker")
				continue
			}
			if decoded.Service != protocol.MakeMesh || len(decoded.Payload) == 0 {
				continue
			}
			w.handleAssignment(decoded)
			if err := w.askForJob(); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	const maxAttempts = 10
	const baseDelay = 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * baseDelay
			w.logger.Warn().Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying broker connection")
			time.Sleep(delay)
		}

		socket := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(w.identity)))
		if err := socket.SetOption(zmq4.OptionHWM, 1000); err != nil {
			w.logger.Warn().Err(err).Msg("failed to set high watermark, continuing without it")
		}
		if err := socket.Dial(w.brokerAddr); err != nil {
			socket.Close()
			lastErr = err
			continue
		}
		w.socket = socket
		return nil
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, lastErr)
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		msg, err := w.socket.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case w.errCh <- err:
			case <-ctx.Done():
			}
			continue
		}
		select {
		case w.recvCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) askForJob() error {
	return w.send(protocol.JobMessage{
		Version:     protocol.ProtocolVersion,
		Service:     protocol.MakeMesh,
		MeshType:    w.req.MeshType,
		WorkerName:  w.req.WorkerName,
		Requirement: w.req.RequirementBlob,
	})
}

func (w *Worker) handleAssignment(msg protocol.JobMessage) {
	assignment, err := protocol.DecodeJobAssignment(msg.Payload)
	if err != nil {
		w.logger.Warn().Err(err).Msg("received malformed job assignment")
		return
	}
	jobID := assignment.Id

	w.mu.Lock()
	w.stats.LastJob = time.Now()
	w.mu.Unlock()

	progress := func(value int, message string) {
		w.send(protocol.JobMessage{
			Version: protocol.ProtocolVersion,
			Service: protocol.MeshStatus,
			Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{
				JobId:           jobID,
				Status:          protocol.InProgress,
				ProgressValue:   value,
				ProgressMessage: message,
			}),
		})
	}

	result, err := w.handler.Mesh(assignment.Sub, progress)
	w.mu.Lock()
	if err != nil {
		w.stats.JobsFailed++
	} else {
		w.stats.JobsHandled++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error().Err(err).Msg("mesh job failed")
		w.send(protocol.JobMessage{
			Version: protocol.ProtocolVersion,
			Service: protocol.MeshStatus,
			Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{
				JobId:           jobID,
				Status:          protocol.Failed,
				ProgressMessage: err.Error(),
			}),
		})
		return
	}

	result.JobId = jobID
	w.send(protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.RetrieveMesh,
		Payload: protocol.EncodeResultEnvelope(result),
	})
	w.send(protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.MeshStatus,
		Payload: protocol.EncodeStatusEnvelope(protocol.StatusEnvelope{JobId: jobID, Status: protocol.Finished}),
	})
}

func (w *Worker) send(msg protocol.JobMessage) error {
	if err := w.sender.Send(msg); err != nil {
		w.logger.Warn().Err(err).Msg("failed to send frame to broker")
		return err
	}
	return nil
}
