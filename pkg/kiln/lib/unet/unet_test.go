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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/controlnet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

func echoingRunner(inputs, outputs []backends.TensorInfo) *backends.MockRunner {
	return backends.NewMockRunner(inputs, outputs, func(in []tensor.Named) ([]tensor.Named, error) {
		var sample *tensor.Tensor
		for _, n := range in {
			if n.Name == sampleInputName {
				sample = n.Tensor
			}
		}
		return []tensor.Named{{Name: "out_sample", Tensor: tensor.New(sample.Shape...)}}, nil
	})
}

func TestSingle_CapabilitiesFromDeclaredInputs(t *testing.T) {
	inputs := []backends.TensorInfo{
		{Name: sampleInputName, Shape: []int{2, 9, 8, 8}},
		{Name: timestepInputName, Shape: []int{3}},
		{Name: controlnet.MidBlockResidualName, Shape: []int{2, 1280, 1, 1}},
	}
	runner := echoingRunner(inputs, nil)
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, nil)
	u := NewSingle(model)

	canInpaint, err := u.CanInpaint(context.Background())
	require.NoError(t, err)
	require.True(t, canInpaint)

	takesInstructions, err := u.TakesInstructions(context.Background())
	require.NoError(t, err)
	require.True(t, takesInstructions)

	supportsControlNet, err := u.SupportsControlNet(context.Background())
	require.NoError(t, err)
	require.True(t, supportsControlNet)
}

type infoCountingRunner struct {
	*backends.MockRunner
	infoCalls *int
}

func (r *infoCountingRunner) InputInfo() []backends.TensorInfo {
	(*r.infoCalls)++
	return r.MockRunner.InputInfo()
}

func TestSingle_CapabilitiesComputedOnce(t *testing.T) {
	var infoCalls int
	inputs := []backends.TensorInfo{{Name: sampleInputName, Shape: []int{2, 4, 8, 8}}}
	runner := &infoCountingRunner{MockRunner: backends.NewMockRunner(inputs, nil, nil), infoCalls: &infoCalls}
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, nil)
	u := NewSingle(model)

	for i := 0; i < 3; i++ {
		_, err := u.CanInpaint(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 1, infoCalls, "capabilities must be derived from the backend's declared inputs exactly once")
}

func TestSingle_PredictNoiseSplitsPerImage(t *testing.T) {
	inputs := []backends.TensorInfo{
		{Name: sampleInputName, Shape: []int{2, 4, 8, 8}},
		{Name: timestepInputName, Shape: []int{2}},
	}
	runner := echoingRunner(inputs, nil)
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, nil)
	u := NewSingle(model)

	latents := []*tensor.Tensor{tensor.New(1, 4, 8, 8), tensor.New(1, 4, 8, 8)}
	out, err := u.PredictNoise(context.Background(), latents, 5, tensor.New(2, 1, 1, 1), nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, o := range out {
		require.Equal(t, []int{1, 4, 8, 8}, o.Shape)
	}
}

func TestSingle_SuppliesZeroResidualsWhenControlNetInactive(t *testing.T) {
	var sawMid bool
	inputs := []backends.TensorInfo{
		{Name: sampleInputName, Shape: []int{2, 4, 8, 8}},
		{Name: controlnet.MidBlockResidualName, Shape: []int{2, 1280, 1, 1}},
	}
	runner := backends.NewMockRunner(inputs, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		for _, n := range in {
			if n.Name == controlnet.MidBlockResidualName {
				sawMid = true
				for _, v := range n.Tensor.Data {
					require.Zero(t, v)
				}
			}
		}
		return []tensor.Named{{Name: "out_sample", Tensor: tensor.New(2, 4, 8, 8)}}, nil
	})
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, nil)
	u := NewSingle(model)

	_, err := u.PredictNoise(context.Background(), []*tensor.Tensor{tensor.New(1, 4, 8, 8), tensor.New(1, 4, 8, 8)}, 5, tensor.New(2, 1, 1, 1), nil)
	require.NoError(t, err)
	require.True(t, sawMid, "u-net declares controlnet inputs so a zero residual must be supplied when inactive")
}

func TestChunked_MergesStage1OutputsIntoStage2Inputs(t *testing.T) {
	stage1Runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: "stage1_feature", Tensor: tensor.New(1)}}, nil
	})
	var stage2SawFeature bool
	stage2Runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		for _, n := range in {
			if n.Name == "stage1_feature" {
				stage2SawFeature = true
			}
		}
		return []tensor.Named{{Name: "out_sample", Tensor: tensor.New(2, 4, 8, 8)}}, nil
	})
	stage1 := backends.NewManagedModel("unet_1", "/x", backends.MockFactory(stage1Runner), nil, nil)
	stage2 := backends.NewManagedModel("unet_2", "/y", backends.MockFactory(stage2Runner), nil, nil)
	u := NewChunked(stage1, stage2)

	out, err := u.PredictNoise(context.Background(), []*tensor.Tensor{tensor.New(1, 4, 8, 8), tensor.New(1, 4, 8, 8)}, 5, tensor.New(2, 1, 1, 1), nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.True(t, stage2SawFeature, "stage 2 must receive stage 1's outputs merged into its inputs")
}

func TestChunked_CollisionBetweenStage1OutputAndInputIsError(t *testing.T) {
	stage1Runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: sampleInputName, Tensor: tensor.New(1)}}, nil
	})
	stage2Runner := backends.NewMockRunner(nil, nil, nil)
	stage1 := backends.NewManagedModel("unet_1", "/x", backends.MockFactory(stage1Runner), nil, nil)
	stage2 := backends.NewManagedModel("unet_2", "/y", backends.MockFactory(stage2Runner), nil, nil)
	u := NewChunked(stage1, stage2)

	_, err := u.PredictNoise(context.Background(), []*tensor.Tensor{tensor.New(1, 4, 8, 8)}, 5, tensor.New(1, 1, 1, 1), nil)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestSingle_ResidualsPassedThroughWhenControlNetActive(t *testing.T) {
	var sawMidValue float32
	inputs := []backends.TensorInfo{
		{Name: sampleInputName, Shape: []int{2, 4, 8, 8}},
		{Name: controlnet.MidBlockResidualName, Shape: []int{2, 1, 1, 1}},
	}
	runner := backends.NewMockRunner(inputs, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		for _, n := range in {
			if n.Name == controlnet.MidBlockResidualName {
				sawMidValue = n.Tensor.Data[0]
			}
		}
		return []tensor.Named{{Name: "out_sample", Tensor: tensor.New(2, 4, 8, 8)}}, nil
	})
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, nil)
	u := NewSingle(model)

	res := &controlnet.Residuals{Mid: tensor.FromData([]float32{7}, 1, 1, 1, 1)}
	for i := range res.Down {
		res.Down[i] = tensor.FromData([]float32{0}, 1)
	}
	_, err := u.PredictNoise(context.Background(), []*tensor.Tensor{tensor.New(1, 4, 8, 8), tensor.New(1, 4, 8, 8)}, 5, tensor.New(2, 1, 1, 1), res)
	require.NoError(t, err)
	require.Equal(t, float32(7), sawMidValue)
}
