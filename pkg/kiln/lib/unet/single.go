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

package unet

import (
	"context"
	"sync"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/controlnet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

var _ Model = (*Single)(nil)

// Single wraps a single-artifact U-Net.
type Single struct {
	model *backends.ManagedModel

	capsOnce sync.Once
	caps     capabilities
	capsErr  error
}

// NewSingle builds a Single from an already-constructed ManagedModel.
func NewSingle(model *backends.ManagedModel) *Single {
	return &Single{model: model}
}

func (s *Single) capabilities(ctx context.Context) (capabilities, error) {
	s.capsOnce.Do(func() {
		inputs, err := s.model.InputInfo(ctx)
		if err != nil {
			s.capsErr = err
			return
		}
		s.caps = deriveCapabilities(inputs)
	})
	return s.caps, s.capsErr
}

// CanInpaint implements Model.
func (s *Single) CanInpaint(ctx context.Context) (bool, error) {
	c, err := s.capabilities(ctx)
	return c.canInpaint, err
}

// TakesInstructions implements Model.
func (s *Single) TakesInstructions(ctx context.Context) (bool, error) {
	c, err := s.capabilities(ctx)
	return c.takesInstructions, err
}

// SupportsControlNet implements Model.
func (s *Single) SupportsControlNet(ctx context.Context) (bool, error) {
	c, err := s.capabilities(ctx)
	return c.supportsControlNet, err
}

// PredictNoise implements Model.
func (s *Single) PredictNoise(ctx context.Context, latents []*tensor.Tensor, timestep int, hiddenStates *tensor.Tensor, residuals *controlnet.Residuals) ([]*tensor.Tensor, error) {
	declared, err := s.model.InputInfo(ctx)
	if err != nil {
		return nil, err
	}

	sample := tensor.Concat(0, latents...)
	inputs := []tensor.Named{
		{Name: sampleInputName, Tensor: sample},
		timestepInput(timestep, sample.Shape[0]),
		{Name: hiddenStatesInputName, Tensor: hiddenStates},
	}
	inputs = append(inputs, residualInputs(declared, residuals)...)

	outputs, err := s.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, inputs)
	})
	if err != nil {
		return nil, err
	}

	out, ok := backends.First(outputs, "out_sample")
	if !ok {
		return nil, mismatchf("u-net produced no usable output")
	}
	return tensor.Split(out, len(latents)), nil
}

// Close implements Model.
func (s *Single) Close(ctx context.Context) error {
	return s.model.Unload(ctx)
}
