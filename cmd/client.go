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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"remus/internal/client"
	"remus/internal/protocol"
)

var (
	clientBrokerAddr string
	clientIdentity   string
	clientInputType  string
	clientOutputType string
	clientWorkerName string
	clientInputFile  string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Issue one-off requests against a Remus broker",
}

var clientCanMeshCmd = &cobra.Command{
	Use:   "can-mesh",
	Short: "Ask whether the broker could service a mesh request right now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		can, err := c.CanMesh(clientRequirements())
		if err != nil {
			return fmt.Errorf("can-mesh request failed: %w", err)
		}
		fmt.Println(can)
		return nil
	},
}

var clientSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job and print the assigned job id",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		data, err := readInput(clientInputFile)
		if err != nil {
			return err
		}

		sub := protocol.JobSubmission{
			Requirements: clientRequirements(),
			Content:      map[string]protocol.JobContent{protocol.DefaultContentKey: {Data: data}},
		}
		id, err := c.SubmitJob(sub)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		fmt.Println(id.String())
		return nil
	},
}

var clientStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Print a job's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseJobId(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.JobStatus(id)
		if err != nil {
			return fmt.Errorf("status request failed: %w", err)
		}
		return printJSON(status)
	},
}

var clientRetrieveCmd = &cobra.Command{
	Use:   "retrieve [job-id]",
	Short: "Retrieve a finished job's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseJobId(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.RetrieveResults(id)
		if err != nil {
			return fmt.Errorf("retrieve request failed: %w", err)
		}
		if !result.HasData() {
			fmt.Fprintln(os.Stderr, "job has no result yet")
			return nil
		}
		os.Stdout.Write(result.Inline)
		return nil
	},
}

var clientTerminateCmd = &cobra.Command{
	Use:   "terminate [job-id]",
	Short: "Cancel a queued or in-progress job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseJobId(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.TerminateJob(id)
		if err != nil {
			return fmt.Errorf("terminate request failed: %w", err)
		}
		return printJSON(status)
	},
}

func connectClient() (*client.Client, error) {
	c := client.New(clientBrokerAddr, clientIdentity)
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return c, nil
}

func clientRequirements() protocol.JobRequirements {
	return protocol.JobRequirements{
		MeshType:   protocol.MeshIOType{InputType: clientInputType, OutputType: clientOutputType},
		WorkerName: clientWorkerName,
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initClientCmd() {
	clientCmd.PersistentFlags().StringVar(&clientBrokerAddr, "broker-addr", "tcp://localhost:50505", "Broker client-facing address")
	clientCmd.PersistentFlags().StringVar(&clientIdentity, "identity", "", "ZeroMQ identity to connect under (defaults to a generated one)")
	clientCmd.PersistentFlags().StringVar(&clientInputType, "input-type", "", "Mesh input type")
	clientCmd.PersistentFlags().StringVar(&clientOutputType, "output-type", "", "Mesh output type")
	clientCmd.PersistentFlags().StringVar(&clientWorkerName, "worker-name", "", "Worker name to match against")
	clientSubmitCmd.Flags().StringVar(&clientInputFile, "input-file", "", "File to submit as job content (default: stdin)")

	clientCmd.AddCommand(clientCanMeshCmd)
	clientCmd.AddCommand(clientSubmitCmd)
	clientCmd.AddCommand(clientStatusCmd)
	clientCmd.AddCommand(clientRetrieveCmd)
	clientCmd.AddCommand(clientTerminateCmd)

	if clientIdentity == "" {
		clientIdentity = fmt.Sprintf("client-%d", os.Getpid())
	}
}
