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

// Package unet wraps the noise-prediction model at the center of the
// sampling loop. Two shapes of artifact are supported behind the same
// Model interface: a Single ManagedModel, and a Chunked pair used when a
// U-Net has been split across two artifacts to fit a device's memory
// budget.
package unet

import (
	"context"
	"fmt"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/controlnet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

const (
	sampleInputName       = "sample"
	timestepInputName     = "timestep"
	hiddenStatesInputName = "encoder_hidden_states"
	inpaintChannelCount   = 9
	instructTimestepBatch = 3
)

// Model predicts the noise present in a batch of latents at a given
// diffusion timestep, optionally conditioned on ControlNet residuals.
type Model interface {
	// PredictNoise runs one U-Net forward pass. latents holds one tensor per
	// entry of the CFG/instruct batch (already replicated and, for
	// inpainting, channel-concatenated by the caller); the returned slice
	// has the same length, one predicted-noise tensor per input entry.
	PredictNoise(ctx context.Context, latents []*tensor.Tensor, timestep int, hiddenStates *tensor.Tensor, residuals *controlnet.Residuals) ([]*tensor.Tensor, error)

	// CanInpaint reports whether the model declares a 9-channel sample
	// input (latent + mask + masked-image-latent).
	CanInpaint(ctx context.Context) (bool, error)

	// TakesInstructions reports whether the model expects a 3-way
	// (text, image, negative) timestep batch, i.e. instruct-pix2pix style.
	TakesInstructions(ctx context.Context) (bool, error)

	// SupportsControlNet reports whether the model declares named
	// down/mid-block residual inputs.
	SupportsControlNet(ctx context.Context) (bool, error)

	// Close releases the underlying artifact(s).
	Close(ctx context.Context) error
}

// capabilities is derived once from a model's declared inputs and cached,
// since a resource's declared I/O never changes across a request.
type capabilities struct {
	canInpaint         bool
	takesInstructions  bool
	supportsControlNet bool
}

func deriveCapabilities(inputs []backends.TensorInfo) capabilities {
	var c capabilities
	if sample, ok := backends.HasNamed(inputs, sampleInputName); ok && len(sample.Shape) >= 2 {
		c.canInpaint = sample.Shape[1] == inpaintChannelCount
	}
	if timestep, ok := backends.HasNamed(inputs, timestepInputName); ok && len(timestep.Shape) >= 1 {
		c.takesInstructions = timestep.Shape[0] == instructTimestepBatch
	}
	_, c.supportsControlNet = backends.HasNamed(inputs, controlnet.MidBlockResidualName)
	return c
}

// residualInputs builds the named down/mid-block residual inputs to feed
// alongside sample/timestep/encoder_hidden_states. When the model declares
// ControlNet support but no residuals are active, it supplies zero tensors
// shaped per the model's own declared input shapes (spec §4.5).
func residualInputs(declared []backends.TensorInfo, residuals *controlnet.Residuals) []tensor.Named {
	var named []tensor.Named
	mid, ok := backends.HasNamed(declared, controlnet.MidBlockResidualName)
	if !ok {
		return named
	}

	if residuals != nil {
		named = append(named, tensor.Named{Name: controlnet.MidBlockResidualName, Tensor: residuals.Mid})
		for i, d := range residuals.Down {
			named = append(named, tensor.Named{Name: controlnet.DownBlockResidualName(i), Tensor: d})
		}
		return named
	}

	named = append(named, tensor.Named{Name: controlnet.MidBlockResidualName, Tensor: tensor.Zeros(mid.Shape...)})
	for i := 0; i < 12; i++ {
		name := controlnet.DownBlockResidualName(i)
		info, ok := backends.HasNamed(declared, name)
		if !ok {
			continue
		}
		named = append(named, tensor.Named{Name: name, Tensor: tensor.Zeros(info.Shape...)})
	}
	return named
}

func timestepInput(timestep, batch int) tensor.Named {
	return tensor.Named{Name: timestepInputName, Tensor: tensor.Broadcast1D(float32(timestep), batch)}
}

func mismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{backends.ErrShapeMismatch}, args...)...)
}
