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

// Package broker implements the Remus router core: the single event loop
// that demultiplexes client and worker frames, owns the job queue, worker
// pool, and active-jobs table, and drives dispatch.
package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"remus/internal/config"
	"remus/internal/protocol"
)

// Snapshot is a point-in-time, lock-free readable view of broker state,
// refreshed once per loop tick. It exists so an external HTTP admin surface
// can observe the broker without taking any lock the router core itself
// would need to honor.
type Snapshot struct {
	StartTime       time.Time
	Tick            uint64
	QueueLength     int
	Workers         []WorkerInfo
	ActiveJobs      int
	ClientFramesIn  uint64
	WorkerFramesIn  uint64
	Dispatches      uint64
}

// WorkerInfo is the read-only projection of a pooled worker for introspection.
type WorkerInfo struct {
	Address      string
	Requirements protocol.JobRequirements
	State        string
	Expiry       time.Time
}

// inboundFrame is a frame sequence received on one of the broker's two
// frontend sockets, tagged with the peer's routing address.
type inboundFrame struct {
	addr   string
	frames [][]byte
}

// frameSender abstracts "encode and send to this routing address" so the
// dispatch logic can be exercised in tests without a live ZeroMQ socket.
type frameSender interface {
	Send(addr string, msg protocol.JobMessage) error
}

// socketSender is the real frameSender, backed by a ROUTER socket.
type socketSender struct {
	sock zmq4.Socket
}

func (s socketSender) Send(addr string, msg protocol.JobMessage) error {
	frames := protocol.Encode(msg)
	parts := make([][]byte, 0, len(frames)+1)
	parts = append(parts, []byte(addr))
	parts = append(parts, frames...)
	return s.sock.Send(zmq4.NewMsgFrom(parts...))
}

// Broker is the Remus router core: one instance owns one ZeroMQ context,
// one job queue, one worker pool, one active-jobs table, and one factory.
// All mutation of queue/pool/activeJobs happens on the goroutine running
// Run; nothing else touches them, so none of the three carry their own lock.
type Broker struct {
	cfg       *config.RemusConfig
	factory   WorkerFactory
	logger    zerolog.Logger
	heartbeat time.Duration

	clientSocket zmq4.Socket
	workerSocket zmq4.Socket
	clientSender frameSender
	workerSender frameSender
	events       *eventPublisher

	queue  *jobQueue
	pool   *workerPool
	jobs   *activeJobs

	snapshot atomic.Pointer[Snapshot]

	tick           uint64
	clientFramesIn uint64
	workerFramesIn uint64
	dispatches     uint64
	startTime      time.Time
}

// New creates a Broker. factory may be nil, in which case CAN_MESH queries
// fall back to pool-only matching and nothing is ever auto-launched.
func New(cfg *config.RemusConfig, factory WorkerFactory, logger zerolog.Logger) *Broker {
	if factory == nil {
		factory = QueueEverythingFactory{}
	}
	heartbeat := cfg.HeartbeatInterval()
	return &Broker{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		heartbeat: heartbeat,
		queue:     newJobQueue(),
		pool:      newWorkerPool(heartbeat),
		jobs:      newActiveJobs(heartbeat),
	}
}

// Run binds both frontend sockets plus the optional publish socket and runs
// the event loop until ctx is canceled or a fatal socket error occurs.
// Blocking I/O never happens inside the loop itself: two reader goroutines
// own the blocking Recv calls and forward decoded frames over channels; the
// loop's only suspension point is its select, exactly mirroring §5's "poll
// call with timeout = heartbeat interval".
func (b *Broker) Run(ctx context.Context) error {
	b.startTime = protocol.Now()

	b.clientSocket = zmq4.NewRouter(ctx)
	if err := b.clientSocket.Listen(b.cfg.Network.ClientAddress); err != nil {
		return fmt.Errorf("failed to bind client socket: %w", err)
	}

	b.workerSocket = zmq4.NewRouter(ctx)
	if err := b.workerSocket.Listen(b.cfg.Network.WorkerAddress); err != nil {
		return fmt.Errorf("failed to bind worker socket: %w", err)
	}

	b.clientSender = socketSender{sock: b.clientSocket}
	b.workerSender = socketSender{sock: b.workerSocket}

	b.events = newEventPublisher(ctx, b.logger)
	if err := b.events.Bind(b.cfg.Network.PublishAddress); err != nil {
		return fmt.Errorf("failed to bind publish socket: %w", err)
	}
	defer b.events.Close()

	clientCh := make(chan inboundFrame, 256)
	workerCh := make(chan inboundFrame, 256)

	go readSocket(ctx, b.clientSocket, clientCh, b.logger, "client")
	go readSocket(ctx, b.workerSocket, workerCh, b.logger, "worker")

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	b.logger.Info().
		Str("client_address", b.cfg.Network.ClientAddress).
		Str("worker_address", b.cfg.Network.WorkerAddress).
		Dur("heartbeat", b.heartbeat).
		Msg("Remus broker started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Remus broker stopping")
			return nil
		case <-ticker.C:
		case f := <-clientCh:
			b.handleClientFrame(f)
		case f := <-workerCh:
			b.handleWorkerFrame(f)
		}

		// Drain whatever else has queued up on both channels before
		// dispatch, preserving "client frames before worker frames,
		// dispatch after both are drained" (§4.1).
		drain(clientCh, b.handleClientFrame)
		drain(workerCh, b.handleWorkerFrame)

		b.sweepLiveness()
		b.dispatch()
		b.factory.UpdateCounts()
		b.publishSnapshot()
		b.tick++
	}
}

// readSocket owns the only blocking call against sock: Recv. Received frames
// are forwarded to out with the routing identity split off; a message with
// no frame after the identity is logged and dropped. Decoding happens later,
// in the frame handlers.
func readSocket(ctx context.Context, sock zmq4.Socket, out chan<- inboundFrame, logger zerolog.Logger, name string) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn().Err(err).Str("socket", name).Msg("recv failed")
			continue
		}
		if len(msg.Frames) < 2 {
			logger.Debug().Str("socket", name).Msg("dropping frame with no routing identity")
			continue
		}
		select {
		case out <- inboundFrame{addr: string(msg.Frames[0]), frames: msg.Frames[1:]}:
		case <-ctx.Done():
			return
		}
	}
}

// drain consumes every frame currently buffered on ch without blocking.
func drain(ch chan inboundFrame, handle func(inboundFrame)) {
	for {
		select {
		case f := <-ch:
			handle(f)
		default:
			return
		}
	}
}

func (b *Broker) publishSnapshot() {
	workers := make([]WorkerInfo, 0, len(b.pool.byAddress))
	for _, w := range b.pool.byAddress {
		workers = append(workers, WorkerInfo{
			Address:      w.Address,
			Requirements: w.Requirements,
			State:        w.State.String(),
			Expiry:       w.Expiry,
		})
	}
	snap := &Snapshot{
		StartTime:      b.startTime,
		Tick:           b.tick,
		QueueLength:    b.queue.len(),
		Workers:        workers,
		ActiveJobs:     len(b.jobs.byId),
		ClientFramesIn: b.clientFramesIn,
		WorkerFramesIn: b.workerFramesIn,
		Dispatches:     b.dispatches,
	}
	b.snapshot.Store(snap)
}

// Snapshot returns the most recently published read-only state, safe to
// call from any goroutine.
func (b *Broker) Snapshot() Snapshot {
	if s := b.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}
