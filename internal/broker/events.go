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
	"encoding/json"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// Event topics, per §4.6. Subscribers filter by topic prefix.
const (
	TopicWorkerRegistered     = "worker:REGISTERED"
	TopicWorkerAskingForJob   = "worker:ASKING_FOR_JOB"
	TopicWorkerTerminated     = "worker:TERMINATED"
	TopicWorkerHeartbeatFailed = "worker:HEARTBEAT_FAILED"
	TopicJobQueued            = "job:QUEUED"
	TopicJobAssignedToWorker  = "job:ASSIGNED_TO_WORKER"
	TopicJobStatusChanged     = "job:STATUS_CHANGED"
	TopicJobFinished          = "job:FINISHED"
	TopicJobFailed            = "job:FAILED"
	TopicStop                 = "stop"
)

// eventPublisher is a fire-and-forget multicast of typed events on a PUB
// socket. Delivery is best-effort: a Publish call that would block is
// dropped rather than stalling the router core.
type eventPublisher struct {
	socket zmq4.Socket
	logger zerolog.Logger
	bound  bool
}

func newEventPublisher(ctx context.Context, logger zerolog.Logger) *eventPublisher {
	return &eventPublisher{
		socket: zmq4.NewPub(ctx),
		logger: logger,
	}
}

// Bind opens the publish socket at addr. If addr is empty, telemetry is
// disabled and Publish becomes a no-op.
func (p *eventPublisher) Bind(addr string) error {
	if addr == "" {
		return nil
	}
	if err := p.socket.Listen(addr); err != nil {
		return err
	}
	p.bound = true
	return nil
}

// Publish emits (topic, jsonPayload) as a two-frame PUB message. Errors are
// logged, never propagated: the event publisher must never stall the router
// core over a disconnected subscriber.
func (p *eventPublisher) Publish(topic string, payload interface{}) {
	if !p.bound {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal event payload")
		return
	}
	msg := zmq4.NewMsgFrom([]byte(topic), body)
	if err := p.socket.Send(msg); err != nil {
		p.logger.Debug().Err(err).Str("topic", topic).Msg("event publish dropped")
	}
}

// Close shuts down the publish socket, first announcing TopicStop.
func (p *eventPublisher) Close() error {
	p.Publish(TopicStop, struct{}{})
	return p.socket.Close()
}
