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

var _ Model = (*Chunked)(nil)

// Chunked wraps a two-artifact U-Net split across a memory boundary: stage
// one runs first, and its outputs are merged into the original input
// dictionary to feed stage two.
type Chunked struct {
	stage1, stage2 *backends.ManagedModel

	capsOnce sync.Once
	caps     capabilities
	capsErr  error
}

// NewChunked builds a Chunked U-Net from its two stage artifacts. Capability
// flags (canInpaint, takesInstructions, supportsControlNet) are derived from
// stage1's declared inputs, since stage1 always receives the full external
// input set.
func NewChunked(stage1, stage2 *backends.ManagedModel) *Chunked {
	return &Chunked{stage1: stage1, stage2: stage2}
}

func (c *Chunked) capabilities(ctx context.Context) (capabilities, error) {
	c.capsOnce.Do(func() {
		inputs, err := c.stage1.InputInfo(ctx)
		if err != nil {
			c.capsErr = err
			return
		}
		c.caps = deriveCapabilities(inputs)
	})
	return c.caps, c.capsErr
}

// CanInpaint implements Model.
func (c *Chunked) CanInpaint(ctx context.Context) (bool, error) {
	caps, err := c.capabilities(ctx)
	return caps.canInpaint, err
}

// TakesInstructions implements Model.
func (c *Chunked) TakesInstructions(ctx context.Context) (bool, error) {
	caps, err := c.capabilities(ctx)
	return caps.takesInstructions, err
}

// SupportsControlNet implements Model.
func (c *Chunked) SupportsControlNet(ctx context.Context) (bool, error) {
	caps, err := c.capabilities(ctx)
	return caps.supportsControlNet, err
}

// PredictNoise implements Model. Stage one runs over the assembled input
// dictionary; its named outputs are merged into that same dictionary and
// fed to stage two. A name shared between the original inputs and stage
// one's outputs is treated as a mis-packaged pair of artifacts rather than
// silently letting the stage-one output win.
func (c *Chunked) PredictNoise(ctx context.Context, latents []*tensor.Tensor, timestep int, hiddenStates *tensor.Tensor, residuals *controlnet.Residuals) ([]*tensor.Tensor, error) {
	declared, err := c.stage1.InputInfo(ctx)
	if err != nil {
		return nil, err
	}

	sample := tensor.Concat(0, latents...)
	baseInputs := []tensor.Named{
		{Name: sampleInputName, Tensor: sample},
		timestepInput(timestep, sample.Shape[0]),
		{Name: hiddenStatesInputName, Tensor: hiddenStates},
	}
	baseInputs = append(baseInputs, residualInputs(declared, residuals)...)

	stage1Outputs, err := c.stage1.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, baseInputs)
	})
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*tensor.Tensor, len(baseInputs)+len(stage1Outputs))
	order := make([]string, 0, len(baseInputs)+len(stage1Outputs))
	for _, in := range baseInputs {
		merged[in.Name] = in.Tensor
		order = append(order, in.Name)
	}
	for _, out := range stage1Outputs {
		if _, collides := merged[out.Name]; collides {
			return nil, mismatchf("chunked u-net stage 1 output %q collides with a stage 1 input name", out.Name)
		}
		merged[out.Name] = out.Tensor
		order = append(order, out.Name)
	}

	stage2Inputs := make([]tensor.Named, 0, len(order))
	for _, name := range order {
		stage2Inputs = append(stage2Inputs, tensor.Named{Name: name, Tensor: merged[name]})
	}

	stage2Outputs, err := c.stage2.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, stage2Inputs)
	})
	if err != nil {
		return nil, err
	}

	out, ok := backends.First(stage2Outputs, "out_sample")
	if !ok {
		return nil, mismatchf("chunked u-net stage 2 produced no usable output")
	}
	return tensor.Split(out, len(latents)), nil
}

// Close implements Model.
func (c *Chunked) Close(ctx context.Context) error {
	err1 := c.stage1.Unload(ctx)
	err2 := c.stage2.Unload(ctx)
	if err1 != nil {
		return err1
	}
	return err2
}
