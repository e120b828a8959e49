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

// Package vae wraps the VAE encoder and decoder half-models behind the
// diagonal-Gaussian reparameterization and scale-factor conventions the
// Stable Diffusion family uses to move between pixel and latent space.
package vae

import (
	"context"
	"fmt"
	"math"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/rng"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

const (
	// DefaultScaleFactor is the latent-space scale the Stable Diffusion
	// family's VAE was trained with.
	DefaultScaleFactor float32 = 0.18215

	logVarMin = -30
	logVarMax = 20
)

// Encoder wraps a VAE encoder ManagedModel.
type Encoder struct {
	model *backends.ManagedModel
}

// NewEncoder builds an Encoder.
func NewEncoder(model *backends.ManagedModel) *Encoder {
	return &Encoder{model: model}
}

// Encode runs the VAE encoder over a preprocessed [1,3,h,w] pixel tensor
// (already resized and normalized to [-1,1] by lib/imageio) and returns a
// [1,4,h/8,w/8] latent, sampled via rngNormal from the model's predicted
// diagonal Gaussian.
func (e *Encoder) Encode(ctx context.Context, pixels *tensor.Tensor, scaleFactor float32, rngNormal rng.NormalFunc) (*tensor.Tensor, error) {
	outputs, err := e.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, []tensor.Named{{Name: "pixel_values", Tensor: pixels}})
	})
	if err != nil {
		return nil, err
	}

	raw, ok := backends.First(outputs, "latent_dist")
	if !ok {
		return nil, fmt.Errorf("%w: VAE encoder produced no usable output", backends.ErrShapeMismatch)
	}
	if len(raw.Shape) != 4 || raw.Shape[1]%2 != 0 {
		return nil, fmt.Errorf("%w: VAE encoder output channel count %d is not even (mean/logvar pair)", backends.ErrShapeMismatch, raw.Shape[1])
	}

	channels := raw.Shape[1] / 2
	h, w := raw.Shape[2], raw.Shape[3]
	plane := h * w

	latent := tensor.New(raw.Shape[0], channels, h, w)
	for c := 0; c < channels; c++ {
		meanBase := c * plane
		logVarBase := (channels + c) * plane
		outBase := c * plane
		for i := 0; i < plane; i++ {
			mean := raw.Data[meanBase+i]
			logVar := raw.Data[logVarBase+i]
			if logVar < logVarMin {
				logVar = logVarMin
			}
			if logVar > logVarMax {
				logVar = logVarMax
			}
			std := float32(math.Exp(0.5 * float64(logVar)))
			latent.Data[outBase+i] = rngNormal(mean, std) * scaleFactor
		}
	}
	return latent, nil
}
