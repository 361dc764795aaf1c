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

package protocol

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("MakeMeshWithSubmission", func(t *testing.T) {
		sub := JobSubmission{
			Requirements: JobRequirements{
				MeshType:   MeshIOType{InputType: "raw_edges", OutputType: "mesh2d"},
				WorkerName: "triangle",
			},
			Content: map[string]JobContent{
				DefaultContentKey: {Format: "text", Data: []byte("TEST")},
			},
		}
		msg := JobMessage{
			Version:     ProtocolVersion,
			Service:     MakeMesh,
			MeshType:    sub.Requirements.MeshType,
			WorkerName:  "triangle",
			Requirement: []byte("tri-blob"),
			Payload:     EncodeSubmission(sub),
		}

		frames := Encode(msg)
		if len(frames) != 6 {
			t.Fatalf("expected 6 frames, got %d", len(frames))
		}

		decoded, err := Decode(frames)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.Service != MakeMesh {
			t.Errorf("service mismatch: got %v", decoded.Service)
		}
		if decoded.MeshType != msg.MeshType {
			t.Errorf("mesh type mismatch: got %+v", decoded.MeshType)
		}
		if decoded.WorkerName != "triangle" {
			t.Errorf("worker name mismatch: got %q", decoded.WorkerName)
		}
		if string(decoded.Requirement) != "tri-blob" {
			t.Errorf("requirement blob mismatch: got %q", decoded.Requirement)
		}

		gotSub, err := DecodeSubmission(decoded.Payload)
		if err != nil {
			t.Fatalf("DecodeSubmission failed: %v", err)
		}
		if gotSub.Requirements.MeshType != sub.Requirements.MeshType {
			t.Errorf("submission mesh type mismatch")
		}
		if string(gotSub.Content[DefaultContentKey].Data) != "TEST" {
			t.Errorf("submission content mismatch")
		}
	})

	t.Run("HeartbeatNoPayload", func(t *testing.T) {
		msg := JobMessage{Version: ProtocolVersion, Service: Heartbeat}
		frames := Encode(msg)
		if len(frames) != 5 {
			t.Fatalf("expected 5 frames for an empty-payload message, got %d", len(frames))
		}
		decoded, err := Decode(frames)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.Service != Heartbeat {
			t.Errorf("service mismatch: got %v", decoded.Service)
		}
		if len(decoded.Payload) != 0 {
			t.Errorf("expected empty payload, got %q", decoded.Payload)
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name   string
		frames [][]byte
	}{
		{"TooFewFrames", [][]byte{{'R'}, {1}}},
		{"BadTag", [][]byte{[]byte("WRONG!"), {1}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}}},
		{"ServiceNotOneByte", [][]byte{append([]byte(ProtocolTag), ProtocolVersion), {1, 2}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}}},
		{"TruncatedMeshType", [][]byte{append([]byte(ProtocolTag), ProtocolVersion), {byte(MakeMesh)}, {0, 0, 0, 5}, {0, 0, 0, 0}, {0, 0, 0, 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.frames); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestServiceTypeValid(t *testing.T) {
	valid := []ServiceType{MakeMesh, MeshStatus, CanMesh, RetrieveMesh, Heartbeat, Shutdown, TerminateJob}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %v to be valid", s)
		}
	}
	if ServiceType(99).Valid() {
		t.Error("expected 99 to be invalid")
	}
}

func TestStatusCodeOrdering(t *testing.T) {
	if !(Queued < InProgress && InProgress < Finished && InProgress < Failed) {
		t.Error("status code numeric ordering must match the monotonicity rule")
	}
	if !Finished.Terminal() || !Failed.Terminal() || !Expired.Terminal() {
		t.Error("FINISHED, FAILED, EXPIRED must be terminal")
	}
	if Queued.Terminal() || InProgress.Terminal() {
		t.Error("QUEUED and IN_PROGRESS must not be terminal")
	}
}

func TestJobRequirementsKey(t *testing.T) {
	a := JobRequirements{MeshType: MeshIOType{InputType: "a", OutputType: "b"}, WorkerName: "w"}
	b := JobRequirements{MeshType: MeshIOType{InputType: "a", OutputType: "b"}, WorkerName: "w"}
	c := JobRequirements{MeshType: MeshIOType{InputType: "a", OutputType: "c"}, WorkerName: "w"}
	if a.Key() != b.Key() {
		t.Error("identical requirements must produce identical keys")
	}
	if a.Key() == c.Key() {
		t.Error("different requirements must produce different keys")
	}
}

func TestJobIdRoundTrip(t *testing.T) {
	id := NewJobId()
	parsed, err := ParseJobId(id.String())
	if err != nil {
		t.Fatalf("ParseJobId failed: %v", err)
	}
	if parsed != id {
		t.Error("JobId did not round-trip through its textual form")
	}
}

func BenchmarkEncodeDecode(b *testing.B) {
	msg := JobMessage{
		Version:     ProtocolVersion,
		Service:     MakeMesh,
		MeshType:    MeshIOType{InputType: "raw_edges", OutputType: "mesh2d"},
		WorkerName:  "triangle",
		Requirement: []byte("blob"),
		Payload:     []byte(`{"hello":"world"}`),
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frames := Encode(msg)
		if _, err := Decode(frames); err != nil {
			b.Fatal(err)
		}
	}
}
