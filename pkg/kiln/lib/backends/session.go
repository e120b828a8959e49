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

import (
	"context"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// Runner is the primitive a loaded model exposes: it runs one forward pass
// over named tensors without any knowledge of whether it is a text encoder,
// a U-Net, a VAE half or a ControlNet. Higher-level wrappers in
// lib/textencoder, lib/vae, lib/unet and lib/controlnet interpret the named
// inputs and outputs according to each network's own contract.
type Runner interface {
	// Run executes one forward pass with the given named inputs and returns
	// named outputs. Implementations must be safe to call from a single
	// goroutine at a time; serialization across concurrent callers is the
	// caller's responsibility (see ManagedModel.Perform).
	Run(ctx context.Context, inputs []tensor.Named) ([]tensor.Named, error)

	// InputInfo returns metadata about the tensors Run expects.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about the tensors Run produces.
	OutputInfo() []TensorInfo

	// Close releases resources held by the runner (memory-mapped weights,
	// backend sessions, device handles). Run must not be called after
	// Close returns.
	Close() error
}

// RunnerFactory loads a Runner from a resource path. Backends register a
// factory under a BackendType via RegisterBackend; ManagedModel calls it
// lazily on first use.
type RunnerFactory func(path string, opts ...LoadOption) (Runner, error)

// HasNamed reports whether infos contains an entry with the given name, and
// returns it. Used at load time to validate a resource's declared I/O
// against what the calling wrapper (TextEncoder, U-Net, ...) requires.
func HasNamed(infos []TensorInfo, name string) (TensorInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return TensorInfo{}, false
}

// First returns the tensor named name from outputs, or if no tensor with
// that name is present and outputs has exactly one entry, that entry. This
// mirrors the tolerance most ONNX exports need: some exporters name their
// sole output something other than what the pipeline expects.
func First(outputs []tensor.Named, name string) (*tensor.Tensor, bool) {
	for _, o := range outputs {
		if o.Name == name {
			return o.Tensor, true
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Tensor, true
	}
	return nil, false
}
