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

// Package kiln wires the lib/* components together into a single
// generateImages operation: text-encode, sample, decode, and optionally
// classify, over a resource directory of exported model artifacts.
package kiln

import (
	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
)

// Config carries everything NewPipeline needs to locate and load a
// resource directory's artifacts.
type Config struct {
	// ResourcePath is the directory Discover scans for model artifacts
	// (spec.md §6).
	ResourcePath string

	// Backend selects which registered backends.RunnerFactory loads every
	// artifact. Defaults to backends.BackendONNX.
	Backend backends.BackendType

	// ComputeUnits is passed through to every ManagedModel's load options.
	ComputeUnits backends.ComputeUnits

	// NumThreads bounds CPU-side intra-op parallelism, 0 meaning
	// backend-default.
	NumThreads int

	// ReduceMemory enables the resource policy in spec.md §4.7: the text
	// encoder, VAE encoder, U-Net, VAE decoder and safety checker are each
	// unloaded right after the step that uses them, so at most one of them
	// stays loaded at a time. A ControlNet is not unloaded by this policy.
	ReduceMemory bool

	// Logger receives structured diagnostics from every wrapped component.
	// A nil Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns a Config with every field at its documented
// default except ResourcePath.
func DefaultConfig(resourcePath string) Config {
	return Config{
		ResourcePath: resourcePath,
		Backend:      backends.BackendONNX,
		ComputeUnits: backends.ComputeUnitsAll,
		Logger:       zap.NewNop(),
	}
}
