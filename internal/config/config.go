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

// Package config loads the Remus broker/worker/client configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RemusConfig is the complete broker configuration.
type RemusConfig struct {
	Network NetworkConfig `yaml:"network"`
	Factory FactoryConfig `yaml:"factory"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig carries the three independent protocol bind addresses, the
// admin HTTP bind address, and the heartbeat timing the router core and
// worker pool operate on.
type NetworkConfig struct {
	ClientAddress     string `yaml:"client_address"`
	WorkerAddress     string `yaml:"worker_address"`
	PublishAddress    string `yaml:"publish_address"`
	AdminAddress      string `yaml:"admin_address"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// FactoryConfig points at the default worker factory's descriptor directory
// and caps how many child processes it may run simultaneously.
type FactoryConfig struct {
	DescriptorDir string `yaml:"descriptor_dir"`
	MaxWorkers    int    `yaml:"max_workers"`
}

// LoggingConfig mirrors the teacher's logging section.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultClientAddress is the nominal client-facing bind address (§6).
const DefaultClientAddress = "tcp://*:50505"

// DefaultWorkerAddress is the nominal worker-facing bind address (§6).
const DefaultWorkerAddress = "tcp://*:50510"

// DefaultPublishAddress is the nominal event-publisher bind address (§6).
const DefaultPublishAddress = "tcp://*:50515"

// DefaultAdminAddress is the nominal read-only HTTP introspection bind address.
const DefaultAdminAddress = "127.0.0.1:50520"

// DefaultHeartbeatInterval is the nominal heartbeat interval (§4.3, §9ii).
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultMaxWorkers caps the default factory when unconfigured.
const DefaultMaxWorkers = 16

// Load reads, validates, and defaults a RemusConfig from a YAML file.
func Load(path string) (*RemusConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RemusConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// NewDefault returns a RemusConfig populated with the spec's nominal values.
func NewDefault() *RemusConfig {
	cfg := &RemusConfig{}
	cfg.setDefaults()
	return cfg
}

func (c *RemusConfig) setDefaults() {
	if c.Network.ClientAddress == "" {
		c.Network.ClientAddress = DefaultClientAddress
	}
	if c.Network.WorkerAddress == "" {
		c.Network.WorkerAddress = DefaultWorkerAddress
	}
	if c.Network.PublishAddress == "" {
		c.Network.PublishAddress = DefaultPublishAddress
	}
	if c.Network.AdminAddress == "" {
		c.Network.AdminAddress = DefaultAdminAddress
	}
	if c.Network.HeartbeatInterval == "" {
		c.Network.HeartbeatInterval = DefaultHeartbeatInterval.String()
	}
	if c.Factory.MaxWorkers == 0 {
		c.Factory.MaxWorkers = DefaultMaxWorkers
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *RemusConfig) validate() error {
	if _, err := time.ParseDuration(c.Network.HeartbeatInterval); err != nil {
		return fmt.Errorf("invalid heartbeat_interval: %w", err)
	}
	if c.Factory.MaxWorkers <= 0 {
		return fmt.Errorf("factory.max_workers must be greater than 0")
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	ok := false
	for _, l := range validLevels {
		if c.Logging.Level == l {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}
	return nil
}

// HeartbeatInterval parses the configured heartbeat interval.
func (c *RemusConfig) HeartbeatInterval() time.Duration {
	d, _ := time.ParseDuration(c.Network.HeartbeatInterval)
	if d <= 0 {
		return DefaultHeartbeatInterval
	}
	return d
}
