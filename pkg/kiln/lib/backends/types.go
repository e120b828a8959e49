// Copyright 2026 The Kiln Authors
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

// Package backends defines the seam between the orchestration layer and the
// host inference engine that actually runs the text encoder, U-Net, VAE and
// ControlNet networks. Everything above this package deals in named tensors
// and shapes; everything the network itself computes is opaque here.
package backends

import "fmt"

// BackendType identifies a concrete inference engine implementation.
type BackendType string

const (
	BackendONNX BackendType = "onnx"
	BackendMock BackendType = "mock"
)

// String implements fmt.Stringer.
func (t BackendType) String() string { return string(t) }

// ParseBackendType parses a case-sensitive backend identifier.
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(s) {
	case BackendONNX, BackendMock:
		return BackendType(s), nil
	default:
		return "", fmt.Errorf("backends: unknown backend type %q", s)
	}
}

// ComputeUnits mirrors the --compute-units CLI flag (spec §6): which
// hardware the host inference engine is allowed to schedule work onto.
// The choice is advisory — it is passed through to the backend's session
// options and the backend decides how, or whether, to honor it.
type ComputeUnits string

const (
	ComputeUnitsAll        ComputeUnits = "all"
	ComputeUnitsCPUOnly    ComputeUnits = "cpuOnly"
	ComputeUnitsCPUAndGPU  ComputeUnits = "cpuAndGPU"
	ComputeUnitsCPUAndANE  ComputeUnits = "cpuAndNeuralEngine"
)

// ParseComputeUnits parses the --compute-units flag value, defaulting to
// ComputeUnitsAll for an empty string.
func ParseComputeUnits(s string) (ComputeUnits, error) {
	switch ComputeUnits(s) {
	case "":
		return ComputeUnitsAll, nil
	case ComputeUnitsAll, ComputeUnitsCPUOnly, ComputeUnitsCPUAndGPU, ComputeUnitsCPUAndANE:
		return ComputeUnits(s), nil
	default:
		return "", fmt.Errorf("backends: unknown compute units %q", s)
	}
}

// DataType is the element type of a named tensor crossing the backend
// boundary. The orchestration layer only ever produces and consumes
// float32 data, but a backend's declared I/O info may report the storage
// type of quantized weights it holds internally.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt32   DataType = "int32"
	DataTypeInt64   DataType = "int64"
	DataTypeBool    DataType = "bool"
)

// TensorInfo describes one named input or output a Runner expects or
// produces, without carrying any data — used to validate wiring at model
// load time before the first inference call.
type TensorInfo struct {
	Name     string
	Shape    []int
	DataType DataType
}
