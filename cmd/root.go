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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"remus/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "remus",
	Short: "Remus - a job-dispatch broker for mesh generation workloads",
	Long: `Remus routes mesh-generation jobs from clients to capability-matched
workers through a broker process, queueing work no worker can presently
accept and dispatching it once one registers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		} else {
			logger.SetSilentMode(true)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	initBrokerCmd()
	initWorkerCmd()
	initClientCmd()

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(clientCmd)
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
