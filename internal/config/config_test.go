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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	if cfg.Network.ClientAddress != DefaultClientAddress {
		t.Errorf("expected default client address, got %s", cfg.Network.ClientAddress)
	}
	if cfg.HeartbeatInterval() != DefaultHeartbeatInterval {
		t.Errorf("expected default heartbeat interval, got %s", cfg.HeartbeatInterval())
	}
	if cfg.Factory.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("expected default max workers, got %d", cfg.Factory.MaxWorkers)
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remus.yml")
	content := []byte("network:\n  client_address: tcp://*:9999\nfactory:\n  max_workers: 4\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.ClientAddress != "tcp://*:9999" {
		t.Errorf("expected overridden client address, got %s", cfg.Network.ClientAddress)
	}
	if cfg.Network.WorkerAddress != DefaultWorkerAddress {
		t.Errorf("expected default worker address to be filled in, got %s", cfg.Network.WorkerAddress)
	}
	if cfg.Factory.MaxWorkers != 4 {
		t.Errorf("expected max_workers override, got %d", cfg.Factory.MaxWorkers)
	}
}

func TestLoadRejectsBadHeartbeat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remus.yml")
	content := []byte("network:\n  heartbeat_interval: not-a-duration\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected an error for an invalid heartbeat_interval")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/remus.yml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLoadRejectsBadLoggingLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remus.yml")
	content := []byte("logging:\n  level: verbose\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an invalid logging level")
	}
}

func TestHeartbeatIntervalFallback(t *testing.T) {
	cfg := &RemusConfig{}
	if got := cfg.HeartbeatInterval(); got != DefaultHeartbeatInterval {
		t.Errorf("expected fallback to default, got %s", got)
	}
	cfg.Network.HeartbeatInterval = "10s"
	if got := cfg.HeartbeatInterval(); got != 10*time.Second {
		t.Errorf("expected 10s, got %s", got)
	}
}
