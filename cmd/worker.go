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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"remus/internal/logger"
	"remus/internal/protocol"
	"remus/internal/worker"
)

var (
	workerBrokerAddr string
	workerIdentity   string
	workerInputType  string
	workerOutputType string
	workerName       string
	workerHeartbeat  time.Duration
	workerCommand    string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Register with a Remus broker and mesh jobs as they arrive",
	Long: `Worker connects to a broker's worker-facing socket, advertises the
(input type, output type, worker name) it can handle, and loops asking for
and executing jobs until interrupted.

Without --command, the worker echoes each job's input back as its output,
useful for exercising the broker without a real meshing toolchain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerInputType == "" || workerOutputType == "" {
			return fmt.Errorf("--input-type and --output-type are required")
		}

		req := protocol.JobRequirements{
			MeshType:   protocol.MeshIOType{InputType: workerInputType, OutputType: workerOutputType},
			WorkerName: workerName,
		}

		var handler worker.MeshHandler
		if workerCommand != "" {
			handler = worker.ExecHandler{Requirements: req, Command: strings.Fields(workerCommand)}
		} else {
			handler = worker.EchoHandler{Requirements: req}
		}

		log := logger.New()
		log.Info().
			Str("broker", workerBrokerAddr).
			Str("identity", workerIdentity).
			Str("mesh_type", req.MeshType.String()).
			Msg("starting Remus worker")

		w := worker.New(workerBrokerAddr, workerIdentity, req, handler)
		if workerHeartbeat > 0 {
			w.SetHeartbeat(workerHeartbeat)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		}()

		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("worker exited with error: %w", err)
		}
		log.Info().Msg("worker stopped")
		return nil
	},
}

func initWorkerCmd() {
	workerCmd.Flags().StringVar(&workerBrokerAddr, "broker-addr", "tcp://localhost:50510", "Broker worker-facing address")
	workerCmd.Flags().StringVar(&workerIdentity, "identity", "", "ZeroMQ identity to register under (defaults to a generated one)")
	workerCmd.Flags().StringVar(&workerInputType, "input-type", "", "Mesh input type this worker accepts (required)")
	workerCmd.Flags().StringVar(&workerOutputType, "output-type", "", "Mesh output type this worker produces (required)")
	workerCmd.Flags().StringVar(&workerName, "worker-name", "generic_worker", "Worker name advertised alongside the mesh type")
	workerCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", 0, "Heartbeat interval (defaults to the worker package's default)")
	workerCmd.Flags().StringVar(&workerCommand, "command", "", "External command to pipe job content through (default: echo input as output)")

	if workerIdentity == "" {
		workerIdentity = fmt.Sprintf("worker-%d", os.Getpid())
	}
}
