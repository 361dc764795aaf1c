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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode when a frame cannot be parsed.
// The router core replies with an INVALID status and never crashes on it.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// JobMessage is the decoded form of a client->broker or worker->broker
// message: frames 0-4 are fixed-position and binary; frame 5+ is a single
// JSON payload frame whose shape depends on Service.
type JobMessage struct {
	Version     byte
	Service     ServiceType
	MeshType    MeshIOType
	WorkerName  string
	Requirement []byte
	Payload     []byte
}

// Encode serializes a JobMessage into the five fixed frames described in
// §6 plus, when Payload is non-empty, a trailing payload frame: frame 0
// protocol tag+version, frame 1 service byte, frame 2 the two
// length-prefixed mesh-type strings concatenated, frame 3 the
// length-prefixed worker name, frame 4 the length-prefixed requirement
// blob, frame 5 the raw payload.
func Encode(m JobMessage) [][]byte {
	header := make([]byte, 0, len(ProtocolTag)+1)
	header = append(header, ProtocolTag...)
	header = append(header, ProtocolVersion)

	meshType := append(encodeLengthPrefixed(m.MeshType.InputType), encodeLengthPrefixed(m.MeshType.OutputType)...)

	frames := [][]byte{
		header,
		{byte(m.Service)},
		meshType,
		encodeLengthPrefixedBytes([]byte(m.WorkerName)),
		encodeLengthPrefixedBytes(m.Requirement),
	}
	if len(m.Payload) > 0 {
		frames = append(frames, m.Payload)
	}
	return frames
}

// Decode parses a frame sequence produced by Encode. It never panics on
// attacker- or bug-supplied input: any structural problem is reported as
// ErrMalformedFrame.
func Decode(frames [][]byte) (JobMessage, error) {
	if len(frames) < 5 {
		return JobMessage{}, fmt.Errorf("%w: expected at least 5 frames, got %d", ErrMalformedFrame, len(frames))
	}

	tag := frames[0]
	if len(tag) != len(ProtocolTag)+1 {
		return JobMessage{}, fmt.Errorf("%w: bad protocol tag length", ErrMalformedFrame)
	}
	if string(tag[:len(ProtocolTag)]) != ProtocolTag {
		return JobMessage{}, fmt.Errorf("%w: bad protocol tag %q", ErrMalformedFrame, tag[:len(ProtocolTag)])
	}
	version := tag[len(ProtocolTag)]

	if len(frames[1]) != 1 {
		return JobMessage{}, fmt.Errorf("%w: service frame must be one byte", ErrMalformedFrame)
	}
	service := ServiceType(frames[1][0])

	inputType, outputType, err := decodeMeshType(frames[2])
	if err != nil {
		return JobMessage{}, err
	}
	workerName, err := decodeLengthPrefixedBytes(frames[3])
	if err != nil {
		return JobMessage{}, err
	}
	requirement, err := decodeLengthPrefixedBytes(frames[4])
	if err != nil {
		return JobMessage{}, err
	}

	var payload []byte
	if len(frames) > 5 {
		payload = frames[5]
	}

	return JobMessage{
		Version:     version,
		Service:     service,
		MeshType:    MeshIOType{InputType: string(inputType), OutputType: string(outputType)},
		WorkerName:  string(workerName),
		Requirement: requirement,
		Payload:     payload,
	}, nil
}

// decodeMeshType splits frame 2 into its two length-prefixed components.
func decodeMeshType(frame []byte) (input, output []byte, err error) {
	if len(frame) < 4 {
		return nil, nil, fmt.Errorf("%w: mesh type frame truncated", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(frame)
	if int(4+n) > len(frame) {
		return nil, nil, fmt.Errorf("%w: mesh type input length out of range", ErrMalformedFrame)
	}
	input = frame[4 : 4+n]
	rest := frame[4+n:]
	output, err = decodeLengthPrefixedBytes(rest)
	if err != nil {
		return nil, nil, err
	}
	return input, output, nil
}

func encodeLengthPrefixed(s string) []byte {
	return encodeLengthPrefixedBytes([]byte(s))
}

func encodeLengthPrefixedBytes(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

func decodeLengthPrefixedBytes(frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: length prefix truncated", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) != len(frame)-4 {
		return nil, fmt.Errorf("%w: length prefix mismatch: declared %d, have %d", ErrMalformedFrame, n, len(frame)-4)
	}
	return frame[4:], nil
}

// DecodeSubmission unmarshals a JobSubmission payload.
func DecodeSubmission(payload []byte) (JobSubmission, error) {
	var sub JobSubmission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return JobSubmission{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return sub, nil
}

// EncodeSubmission marshals a JobSubmission payload.
func EncodeSubmission(sub JobSubmission) []byte {
	b, _ := json.Marshal(sub)
	return b
}

// DecodeStatusEnvelope unmarshals a StatusEnvelope payload.
func DecodeStatusEnvelope(payload []byte) (StatusEnvelope, error) {
	var env StatusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return StatusEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// EncodeStatusEnvelope marshals a StatusEnvelope payload.
func EncodeStatusEnvelope(env StatusEnvelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

// DecodeResultEnvelope unmarshals a ResultEnvelope payload.
func DecodeResultEnvelope(payload []byte) (ResultEnvelope, error) {
	var env ResultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ResultEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// EncodeResultEnvelope marshals a ResultEnvelope payload.
func EncodeResultEnvelope(env ResultEnvelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

// DecodeJobAssignment unmarshals a JobAssignment payload.
func DecodeJobAssignment(payload []byte) (JobAssignment, error) {
	var a JobAssignment
	if err := json.Unmarshal(payload, &a); err != nil {
		return JobAssignment{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return a, nil
}

// EncodeJobAssignment marshals a JobAssignment payload.
func EncodeJobAssignment(a JobAssignment) []byte {
	b, _ := json.Marshal(a)
	return b
}

// DecodeJobId unmarshals a bare JobId payload, used for RETRIEVE_MESH and
// TERMINATE_JOB requests which carry only an id.
func DecodeJobId(payload []byte) (JobId, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return JobId{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ParseJobId(s)
}

// EncodeJobId marshals a bare JobId payload.
func EncodeJobId(id JobId) []byte {
	b, _ := json.Marshal(id.String())
	return b
}

// EncodeCanMeshResult marshals a CanMeshResult payload.
func EncodeCanMeshResult(r CanMeshResult) []byte {
	b, _ := json.Marshal(r)
	return b
}

// DecodeCanMeshResult unmarshals a CanMeshResult payload.
func DecodeCanMeshResult(payload []byte) (CanMeshResult, error) {
	var r CanMeshResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return CanMeshResult{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return r, nil
}
