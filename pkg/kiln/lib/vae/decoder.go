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

package vae

import (
	"context"
	"fmt"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// Decoder wraps a VAE decoder ManagedModel.
type Decoder struct {
	model *backends.ManagedModel
}

// NewDecoder builds a Decoder.
func NewDecoder(model *backends.ManagedModel) *Decoder {
	return &Decoder{model: model}
}

// Decode runs the VAE decoder over a [1,4,h,w] latent and returns a
// [1,3,h*8,w*8] pixel tensor in [-1,1], ready for imageio.FromTensor.
func (d *Decoder) Decode(ctx context.Context, latent *tensor.Tensor, scaleFactor float32) (*tensor.Tensor, error) {
	unscaled := tensor.Scale(latent, 1/scaleFactor)

	outputs, err := d.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, []tensor.Named{{Name: "latent_sample", Tensor: unscaled}})
	})
	if err != nil {
		return nil, err
	}

	pixels, ok := backends.First(outputs, "sample")
	if !ok {
		return nil, fmt.Errorf("%w: VAE decoder produced no usable output", backends.ErrShapeMismatch)
	}
	return pixels, nil
}
