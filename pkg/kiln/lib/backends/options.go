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

package backends

// LoadConfig carries the knobs a RunnerFactory needs to load a resource.
// Fields not meaningful to a given backend are simply ignored by it.
type LoadConfig struct {
	// ONNXFilename overrides the default file name a backend looks for
	// inside a resource directory (e.g. "unet.onnx").
	ONNXFilename string

	// ComputeUnits is the requested hardware placement (spec §6).
	ComputeUnits ComputeUnits

	// NumThreads bounds CPU-side intra-op parallelism, 0 meaning
	// backend-default.
	NumThreads int
}

// DefaultLoadConfig returns the zero-value defaults every RunnerFactory
// starts from before options are applied.
func DefaultLoadConfig() *LoadConfig {
	return &LoadConfig{
		ComputeUnits: ComputeUnitsAll,
	}
}

// LoadOption mutates a LoadConfig; see the With* constructors below.
type LoadOption func(*LoadConfig)

// WithONNXFilename overrides the file name a backend looks for.
func WithONNXFilename(name string) LoadOption {
	return func(c *LoadConfig) { c.ONNXFilename = name }
}

// WithComputeUnits requests a hardware placement.
func WithComputeUnits(units ComputeUnits) LoadOption {
	return func(c *LoadConfig) { c.ComputeUnits = units }
}

// WithNumThreads bounds CPU intra-op parallelism.
func WithNumThreads(n int) LoadOption {
	return func(c *LoadConfig) { c.NumThreads = n }
}

// ApplyOptions builds a LoadConfig from DefaultLoadConfig plus opts.
func ApplyOptions(opts ...LoadOption) *LoadConfig {
	c := DefaultLoadConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}
