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

package worker

import (
	"bytes"
	"fmt"
	"os/exec"

	"remus/internal/protocol"
)

// EchoHandler is the simplest possible MeshHandler: it reports the result
// payload as whatever content it was given, with no external process. It
// exists for demonstration and for exercising the worker loop without a
// real meshing toolchain installed.
type EchoHandler struct {
	Requirements protocol.JobRequirements
}

func (h EchoHandler) CanMesh(req protocol.JobRequirements) bool {
	return req.Key() == h.Requirements.Key()
}

func (h EchoHandler) Mesh(sub protocol.JobSubmission, progress Progress) (protocol.ResultEnvelope, error) {
	content, ok := sub.Content[protocol.DefaultContentKey]
	if !ok {
		return protocol.ResultEnvelope{}, fmt.Errorf("submission missing %q content", protocol.DefaultContentKey)
	}
	progress(100, "echoed input as output")
	return protocol.ResultEnvelope{Inline: content.Data}, nil
}

// ExecHandler meshes a job by running an external command with the
// submission's default content on stdin and capturing stdout as the
// result's inline data. Command is split exec-style: Command[0] is the
// executable, the rest are fixed arguments.
type ExecHandler struct {
	Requirements protocol.JobRequirements
	Command      []string
}

func (h ExecHandler) CanMesh(req protocol.JobRequirements) bool {
	return req.Key() == h.Requirements.Key()
}

func (h ExecHandler) Mesh(sub protocol.JobSubmission, progress Progress) (protocol.ResultEnvelope, error) {
	if len(h.Command) == 0 {
		return protocol.ResultEnvelope{}, fmt.Errorf("exec handler has no command configured")
	}
	content, ok := sub.Content[protocol.DefaultContentKey]
	if !ok {
		return protocol.ResultEnvelope{}, fmt.Errorf("submission missing %q content", protocol.DefaultContentKey)
	}

	progress(0, "starting mesh process")
	cmd := exec.Command(h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(content.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return protocol.ResultEnvelope{}, fmt.Errorf("mesh process failed: %w: %s", err, stderr.String())
	}
	progress(100, "mesh process finished")

	return protocol.ResultEnvelope{Inline: stdout.Bytes()}, nil
}
