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

package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWeightedSumLinearCombination(t *testing.T) {
	a := FromData([]float32{1, 2, 3}, 3)
	b := FromData([]float32{4, 5, 6}, 3)

	out := WeightedSum([]float32{0.5, 0.5}, a, b)
	require.Equal(t, []float32{2.5, 3.5, 4.5}, out.Data)
}

func TestGuidanceScaleZeroReturnsNegativeBranch(t *testing.T) {
	neg := FromData([]float32{1, 1, 1}, 3)
	text := FromData([]float32{5, 5, 5}, 3)

	out := AddScaled(neg, 0, Sub(text, neg))
	require.Equal(t, neg.Data, out.Data)
}

func TestGuidanceScaleOneReturnsTextBranch(t *testing.T) {
	neg := FromData([]float32{1, 1, 1}, 3)
	text := FromData([]float32{5, 5, 5}, 3)

	out := AddScaled(neg, 1, Sub(text, neg))
	require.Equal(t, text.Data, out.Data)
}

func TestClampBounds(t *testing.T) {
	a := FromData([]float32{-40, -30, 0, 20, 40}, 5)
	out := Clamp(a, -30, 20)
	require.Equal(t, []float32{-30, -30, 0, 20, 20}, out.Data)
}

func TestConcatChannelAxis(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	b := FromData([]float32{5, 6, 7, 8}, 1, 1, 2, 2)

	out := Concat(1, a, b)
	require.Equal(t, []int{1, 2, 2, 2}, out.Shape)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, out.Data)
}

func TestReplicateBatchAxis(t *testing.T) {
	a := FromData([]float32{1, 2}, 1, 2, 1, 1)
	out := Replicate(a, 2)
	require.Equal(t, []int{2, 2, 1, 1}, out.Shape)
	require.Equal(t, []float32{1, 2, 1, 2}, out.Data)
}

func TestWeightedSumShapeMismatchPanics(t *testing.T) {
	a := FromData([]float32{1, 2}, 2)
	b := FromData([]float32{1, 2, 3}, 3)

	require.Panics(t, func() {
		WeightedSum([]float32{1, 1}, a, b)
	})
}

func TestReshapeInsertsSizeOneAxis(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	out := Reshape(a, []int{1, 2, 1, 3})
	require.Equal(t, []int{1, 2, 1, 3}, out.Shape)
	require.Equal(t, a.Data, out.Data)
}

func TestPermuteTransposesLastTwoAxes(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	out := Permute(a, []int{0, 2, 1})
	require.Equal(t, []int{1, 3, 2}, out.Shape)
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.Data)
}

func TestMulBroadcastChannelAppliesMaskToEveryChannel(t *testing.T) {
	img := FromData([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	mask := FromData([]float32{1, 0, 0, 1}, 1, 1, 2, 2)

	out := MulBroadcastChannel(img, mask)
	require.Equal(t, []float32{1, 0, 0, 4, 5, 0, 0, 8}, out.Data)
}
