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
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"remus/internal/adminapi"
	"remus/internal/broker"
	"remus/internal/config"
	"remus/internal/logger"
)

var (
	brokerConfigPath string
	brokerClientAddr string
	brokerWorkerAddr string
	brokerAdminAddr  string
	brokerDescDir    string
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Start the Remus broker daemon",
	Long: `The broker daemon binds the client-facing and worker-facing sockets,
matches queued jobs against registered workers, and serves a read-only
admin API for introspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBrokerConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log := logger.New()
		log.Info().
			Str("client_address", cfg.Network.ClientAddress).
			Str("worker_address", cfg.Network.WorkerAddress).
			Str("admin_address", cfg.Network.AdminAddress).
			Msg("starting Remus broker daemon")

		var factory broker.WorkerFactory
		if cfg.Factory.DescriptorDir != "" {
			dirFactory, err := broker.NewDirectoryFactory(cfg.Factory.DescriptorDir, cfg.Factory.MaxWorkers, log)
			if err != nil {
				return fmt.Errorf("failed to initialize worker factory: %w", err)
			}
			if err := dirFactory.Watch(); err != nil {
				return fmt.Errorf("failed to start worker factory watcher: %w", err)
			}
			defer dirFactory.Close()
			factory = dirFactory
		}

		b := broker.New(cfg, factory, log)
		admin := adminapi.New(b)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup
		errChan := make(chan error, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Run(ctx); err != nil {
				errChan <- fmt.Errorf("broker error: %w", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := admin.Start(cfg.Network.AdminAddress); err != nil {
				errChan <- fmt.Errorf("admin API error: %w", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		case err := <-errChan:
			log.Error().Err(err).Msg("service error")
			cancel()
			admin.Stop()
			return err
		}

		log.Info().Msg("shutting down broker daemon")
		cancel()
		if err := admin.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping admin API server")
		}
		wg.Wait()

		log.Info().Msg("broker daemon stopped")
		return nil
	},
}

func loadBrokerConfiguration() (*config.RemusConfig, error) {
	var cfg *config.RemusConfig
	if _, err := os.Stat(brokerConfigPath); err == nil {
		loaded, err := config.Load(brokerConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.NewDefault()
	}

	if brokerClientAddr != "" {
		cfg.Network.ClientAddress = brokerClientAddr
	}
	if brokerWorkerAddr != "" {
		cfg.Network.WorkerAddress = brokerWorkerAddr
	}
	if brokerAdminAddr != "" {
		cfg.Network.AdminAddress = brokerAdminAddr
	}
	if brokerDescDir != "" {
		cfg.Factory.DescriptorDir = brokerDescDir
	}
	return cfg, nil
}

func initBrokerCmd() {
	brokerCmd.Flags().StringVarP(&brokerConfigPath, "config", "c", "remus.yml", "Path to configuration file")
	brokerCmd.Flags().StringVar(&brokerClientAddr, "client-addr", "", "Client-facing bind address (overrides config)")
	brokerCmd.Flags().StringVar(&brokerWorkerAddr, "worker-addr", "", "Worker-facing bind address (overrides config)")
	brokerCmd.Flags().StringVar(&brokerAdminAddr, "admin-addr", "", "Admin API bind address (overrides config)")
	brokerCmd.Flags().StringVar(&brokerDescDir, "descriptor-dir", "", "Worker descriptor directory (overrides config, enables auto-launch)")
}
