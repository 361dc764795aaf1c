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

// Package client implements the Remus client library: CAN_MESH, MAKE_MESH,
// MESH_STATUS, RETRIEVE_MESH, and TERMINATE_JOB calls against a broker's
// client-facing socket.
package client

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

// Stats tracks request activity for introspection.
type Stats struct {
	RequestsSent      int
	ResponsesReceived int
	RequestsFailed    int
	RequestsTimeout   int
	LastRequest       time.Time
	LastResponse      time.Time
	StartTime         time.Time
}

// Client is a Remus client: one DEALER socket dialed to a broker's
// client-facing address. The broker replies synchronously to every request
// (§4.1 step 1), so a Client only ever has one request in flight at a time;
// request serializes callers onto that single round trip rather than trying
// to multiplex concurrent requests the wire format has no room to correlate.
type Client struct {
	brokerAddr string
	identity   string
	timeout    time.Duration
	retries    int

	socket zmq4.Socket
	ctx    context.Context
	cancel context.CancelFunc

	recvCh chan zmq4.Msg
	errCh  chan error

	mu     sync.Mutex
	stats  Stats
	logger zerolog.Logger
}

// New creates a Client bound to a broker address under the given identity.
func New(brokerAddr, identity string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		brokerAddr: brokerAddr,
		identity:   identity,
		timeout:    30 * time.Second,
		retries:    3,
		ctx:        ctx,
		cancel:     cancel,
		recvCh:     make(chan zmq4.Msg, 16),
		errCh:      make(chan error, 16),
		logger:     logger.New(),
		stats:      Stats{StartTime: time.Now()},
	}
}

// SetTimeout overrides the default per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// SetRetries overrides the default retry count.
func (c *Client) SetRetries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries = n
}

// Connect dials the broker, retrying with linear backoff.
func (c *Client) Connect() error {
	const maxAttempts = 5
	const baseDelay = 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * baseDelay
			c.logger.Warn().Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying broker connection")
			time.Sleep(delay)
		}

		socket := zmq4.NewDealer(c.ctx, zmq4.WithID(zmq4.SocketIdentity(c.identity)))
		if err := socket.SetOption(zmq4.OptionHWM, 1000); err != nil {
			c.logger.Warn().Err(err).Msg("failed to set high watermark, continuing without it")
		}
		if err := socket.Dial(c.brokerAddr); err != nil {
			socket.Close()
			lastErr = err
			continue
		}

		c.socket = socket
		go c.readLoop()
		c.logger.Info().Str("broker", c.brokerAddr).Str("identity", c.identity).Msg("connected to Remus broker")
		return nil
	}
	return fmt.Errorf("failed to connect to broker after %d attempts: %w", maxAttempts, lastErr)
}

// Close releases the client's socket and stops its reader goroutine.
func (c *Client) Close() error {
	c.cancel()
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}

// readLoop owns the client's only blocking Recv call.
func (c *Client) readLoop() {
	for {
		msg, err := c.socket.Recv()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			select {
			case c.errCh <- err:
			case <-c.ctx.Done():
			}
			continue
		}
		select {
		case c.recvCh <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// request sends msg and blocks for the matching reply, retrying on timeout
// or send failure up to c.retries times.
func (c *Client) request(msg protocol.JobMessage) (protocol.JobMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.socket == nil {
		return protocol.JobMessage{}, fmt.Errorf("client not connected")
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn().Str("service", msg.Service.String()).Int("attempt", attempt).Msg("retrying request")
		}

		frames := protocol.Encode(msg)
		if err := c.socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			lastErr = fmt.Errorf("failed to send request: %w", err)
			continue
		}
		c.stats.RequestsSent++
		c.stats.LastRequest = time.Now()

		select {
		case reply := <-c.recvCh:
			decoded, err := protocol.Decode(reply.Frames)
			if err != nil {
				lastErr = err
				continue
			}
			c.stats.ResponsesReceived++
			c.stats.LastResponse = time.Now()
			return decoded, nil
		case err := <-c.errCh:
			lastErr = err
		case <-time.After(c.timeout):
			c.stats.RequestsTimeout++
			lastErr = fmt.Errorf("request timeout after %v", c.timeout)
		case <-c.ctx.Done():
			return protocol.JobMessage{}, fmt.Errorf("client shutting down")
		}
	}

	c.stats.RequestsFailed++
	return protocol.JobMessage{}, fmt.Errorf("request failed after %d retries: %w", c.retries, lastErr)
}

// CanMesh asks whether the broker believes it could service req right now.
func (c *Client) CanMesh(req protocol.JobRequirements) (bool, error) {
	reply, err := c.request(protocol.JobMessage{
		Version:     protocol.ProtocolVersion,
		Service:     protocol.CanMesh,
		MeshType:    req.MeshType,
		WorkerName:  req.WorkerName,
		Requirement: req.RequirementBlob,
	})
	if err != nil {
		return false, err
	}
	result, err := protocol.DecodeCanMeshResult(reply.Payload)
	if err != nil {
		return false, err
	}
	return result.CanMesh, nil
}

// SubmitJob submits sub and returns the broker-assigned job id.
func (c *Client) SubmitJob(sub protocol.JobSubmission) (protocol.JobId, error) {
	reply, err := c.request(protocol.JobMessage{
		Version:     protocol.ProtocolVersion,
		Service:     protocol.MakeMesh,
		MeshType:    sub.Requirements.MeshType,
		WorkerName:  sub.Requirements.WorkerName,
		Requirement: sub.Requirements.RequirementBlob,
		Payload:     protocol.EncodeSubmission(sub),
	})
	if err != nil {
		return protocol.JobId{}, err
	}
	return protocol.DecodeJobId(reply.Payload)
}

// JobStatus queries the current status of id.
func (c *Client) JobStatus(id protocol.JobId) (protocol.StatusEnvelope, error) {
	reply, err := c.request(protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.MeshStatus,
		Payload: protocol.EncodeJobId(id),
	})
	if err != nil {
		return protocol.StatusEnvelope{}, err
	}
	return protocol.DecodeStatusEnvelope(reply.Payload)
}

// RetrieveResults fetches the result of id, if the job has finished. Callers
// should inspect the returned envelope's HasData before using it: a job
// still running comes back as a status-shaped reply instead (§ RETRIEVE_MESH).
func (c *Client) RetrieveResults(id protocol.JobId) (protocol.ResultEnvelope, error) {
	reply, err := c.request(protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.RetrieveMesh,
		Payload: protocol.EncodeJobId(id),
	})
	if err != nil {
		return protocol.ResultEnvelope{}, err
	}
	if result, decErr := protocol.DecodeResultEnvelope(reply.Payload); decErr == nil && result.HasData() {
		return result, nil
	}
	status, err := protocol.DecodeStatusEnvelope(reply.Payload)
	if err != nil {
		return protocol.ResultEnvelope{}, err
	}
	return protocol.ResultEnvelope{JobId: status.JobId}, nil
}

// TerminateJob asks the broker to cancel id, queued or in progress.
func (c *Client) TerminateJob(id protocol.JobId) (protocol.StatusEnvelope, error) {
	reply, err := c.request(protocol.JobMessage{
		Version: protocol.ProtocolVersion,
		Service: protocol.TerminateJob,
		Payload: protocol.EncodeJobId(id),
	})
	if err != nil {
		return protocol.StatusEnvelope{}, err
	}
	return protocol.DecodeStatusEnvelope(reply.Payload)
}

// Stats returns a snapshot of request activity.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
