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

// Package protocol defines the Remus wire schema: the JobMessage/JobResponse
// frame layout, service and status enums, and the data model types that
// travel in frame 5+ as JSON payload.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Protocol tag carried in frame 0 of every JobMessage.
const (
	ProtocolTag     = "REMUS"
	ProtocolVersion = byte(1)
)

// ServiceType is the u8 service selector carried in frame 1.
type ServiceType byte

const (
	MakeMesh     ServiceType = 1
	MeshStatus   ServiceType = 2
	CanMesh      ServiceType = 3
	RetrieveMesh ServiceType = 4
	Heartbeat    ServiceType = 5
	Shutdown     ServiceType = 6
	TerminateJob ServiceType = 7
)

func (s ServiceType) String() string {
	switch s {
	case MakeMesh:
		return "MAKE_MESH"
	case MeshStatus:
		return "MESH_STATUS"
	case CanMesh:
		return "CAN_MESH"
	case RetrieveMesh:
		return "RETRIEVE_MESH"
	case Heartbeat:
		return "HEARTBEAT"
	case Shutdown:
		return "SHUTDOWN"
	case TerminateJob:
		return "TERMINATE_JOB"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the defined service types.
func (s ServiceType) Valid() bool {
	switch s {
	case MakeMesh, MeshStatus, CanMesh, RetrieveMesh, Heartbeat, Shutdown, TerminateJob:
		return true
	default:
		return false
	}
}

// StatusCode is the enum carried in a status envelope. The numeric ordering
// is load-bearing: the active-jobs table rejects any update whose code is
// lower than the one already stored.
type StatusCode byte

const (
	Invalid     StatusCode = 0
	Queued      StatusCode = 1
	InProgress  StatusCode = 2
	Finished    StatusCode = 3
	Failed      StatusCode = 4
	Expired     StatusCode = 5
)

func (s StatusCode) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Queued:
		return "QUEUED"
	case InProgress:
		return "IN_PROGRESS"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final lifecycle status: FINISHED, FAILED
// or EXPIRED.
func (s StatusCode) Terminal() bool {
	return s == Finished || s == Failed || s == Expired
}

// MeshIOType is a named (input, output) mesh-transformation category.
type MeshIOType struct {
	InputType  string `json:"inputType"`
	OutputType string `json:"outputType"`
}

func (t MeshIOType) String() string {
	return t.InputType + "->" + t.OutputType
}

// JobRequirements is the matching key for dispatch: a MeshIOType plus the
// worker name and an opaque requirement blob. Two workers advertising the
// same triple are interchangeable. The string form is used as a map key
// since requirementBlob may contain arbitrary bytes.
type JobRequirements struct {
	MeshType        MeshIOType `json:"meshType"`
	WorkerName      string     `json:"workerName"`
	RequirementBlob []byte     `json:"requirementBlob,omitempty"`
}

// Key returns a comparable string uniquely identifying these requirements,
// suitable for use as a Go map key.
func (r JobRequirements) Key() string {
	return r.MeshType.InputType + "\x00" + r.MeshType.OutputType + "\x00" + r.WorkerName + "\x00" + string(r.RequirementBlob)
}

// JobId is a 128-bit identifier assigned by the broker at queue time.
type JobId uuid.UUID

// NewJobId generates a fresh JobId.
func NewJobId() JobId {
	return JobId(uuid.New())
}

func (id JobId) String() string {
	return uuid.UUID(id).String()
}

// ParseJobId parses the canonical textual form of a JobId.
func ParseJobId(s string) (JobId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobId{}, err
	}
	return JobId(u), nil
}

func (id JobId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *JobId) UnmarshalText(b []byte) error {
	parsed, err := ParseJobId(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// JobContent is a blob with a content-format tag.
type JobContent struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// JobSubmission is a client's payload plus its declared requirements. The
// content map always carries at least DefaultContentKey.
type JobSubmission struct {
	Requirements JobRequirements       `json:"requirements"`
	Content      map[string]JobContent `json:"content"`
}

// DefaultContentKey is the mapping key every JobSubmission.Content must carry.
const DefaultContentKey = "default"

// JobAssignment is what the broker sends a worker at dispatch time: the
// broker-assigned id plus the client's original submission. Workers echo Id
// back in every StatusEnvelope/ResultEnvelope for the job.
type JobAssignment struct {
	Id  JobId         `json:"id"`
	Sub JobSubmission `json:"sub"`
}

// StatusEnvelope reports a job's current lifecycle status.
type StatusEnvelope struct {
	JobId           JobId      `json:"jobId"`
	Status          StatusCode `json:"status"`
	ProgressValue   int        `json:"progressValue"`
	ProgressMessage string     `json:"progressMessage,omitempty"`
}

// ResultEnvelope carries a completed job's output, either inline or by
// reference to a file handle the worker has left on shared storage.
type ResultEnvelope struct {
	JobId      JobId  `json:"jobId"`
	FileHandle string `json:"fileHandle,omitempty"`
	Inline     []byte `json:"inline,omitempty"`
}

// HasData reports whether the envelope carries a usable result rather than
// the empty NO_PATH sentinel.
func (r ResultEnvelope) HasData() bool {
	return r.FileHandle != "" || len(r.Inline) > 0
}

// CanMeshResult answers a CAN_MESH query.
type CanMeshResult struct {
	CanMesh bool `json:"canMesh"`
}

// Now returns the current time. Exists so broker code never calls time.Now
// directly, which keeps the event-loop's notion of "current tick time"
// consistent and swappable in tests.
func Now() time.Time {
	return time.Now()
}
