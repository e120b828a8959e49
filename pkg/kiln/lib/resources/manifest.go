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

// Package resources locates and describes the artifacts a Pipeline needs:
// the per-model guernika.json metadata and the resource directory layout
// that groups those artifacts together.
package resources

import (
	"os"

	"github.com/bytedance/sonic"
)

// AttentionImplementation names a model's exported attention kernel.
type AttentionImplementation string

const (
	AttentionOriginal    AttentionImplementation = "ORIGINAL"
	AttentionSplitEinsum AttentionImplementation = "SPLIT_EINSUM"
	AttentionUnknown     AttentionImplementation = "unknown"
)

// Function names the role a U-Net artifact was converted for.
type Function string

const (
	FunctionStandard     Function = "standard"
	FunctionInpaint      Function = "inpaint"
	FunctionInstructions Function = "instructions"
	FunctionUnknown      Function = "unknown"
)

// Manifest is one artifact's guernika.json sidecar metadata. Unrecognized
// string values for AttentionImplementation/Function decode to their
// Unknown sentinel rather than failing to parse (spec §6): a manifest from
// a newer converter version should still load with degraded capability
// information instead of blocking the whole resource directory.
type Manifest struct {
	Identifier        string                  `json:"identifier"`
	ConverterVersion  string                  `json:"converter_version"`
	AttentionImpl     AttentionImplementation `json:"attention_implementation"`
	Width             int                     `json:"width"`
	Height            int                     `json:"height"`
	ControlNetSupport bool                    `json:"controlnet_support"`
	Function          Function                `json:"function"`
	HiddenSize        int                     `json:"hidden_size"`
}

// UnmarshalJSON implements the permissive unknown-value decoding rule.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Identifier        string `json:"identifier"`
		ConverterVersion  string `json:"converter_version"`
		AttentionImpl     string `json:"attention_implementation"`
		Width             int    `json:"width"`
		Height            int    `json:"height"`
		ControlNetSupport bool   `json:"controlnet_support"`
		Function          string `json:"function"`
		HiddenSize        int    `json:"hidden_size"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Identifier = raw.Identifier
	m.ConverterVersion = raw.ConverterVersion
	m.Width = raw.Width
	m.Height = raw.Height
	m.ControlNetSupport = raw.ControlNetSupport
	m.HiddenSize = raw.HiddenSize

	switch AttentionImplementation(raw.AttentionImpl) {
	case AttentionOriginal, AttentionSplitEinsum:
		m.AttentionImpl = AttentionImplementation(raw.AttentionImpl)
	default:
		m.AttentionImpl = AttentionUnknown
	}

	switch Function(raw.Function) {
	case FunctionStandard, FunctionInpaint, FunctionInstructions:
		m.Function = Function(raw.Function)
	default:
		m.Function = FunctionUnknown
	}
	return nil
}

// LoadManifest reads and parses a guernika.json file at path. A missing
// file is not an error here: callers treat an absent manifest as "no
// metadata available" rather than ResourceMissing, since the manifest is
// informational (spec §6) and the artifact files themselves are what the
// resource-completeness check in Directory validates.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
