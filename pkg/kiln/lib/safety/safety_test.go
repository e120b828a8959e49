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

package safety

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 10, G: 10, B: 10, A: 255})
		}
	}
	return img
}

func newChecker(fn func([]tensor.Named) ([]tensor.Named, error)) *Checker {
	mock := backends.NewMockRunner(nil, nil, fn)
	model := backends.NewManagedModel("safety_checker", "/x", backends.MockFactory(mock), nil, nil)
	return New(model)
}

func TestIsSafeTrueWhenNoConceptFlagged(t *testing.T) {
	c := newChecker(func([]tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: conceptsOutputName, Tensor: tensor.FromData([]float32{0}, 1)}}, nil
	})
	safe, err := c.IsSafe(context.Background(), solidImage(4, 4), 4, 4)
	require.NoError(t, err)
	require.True(t, safe)
}

func TestIsSafeFalseWhenConceptFlagged(t *testing.T) {
	c := newChecker(func([]tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: conceptsOutputName, Tensor: tensor.FromData([]float32{1}, 1)}}, nil
	})
	safe, err := c.IsSafe(context.Background(), solidImage(4, 4), 4, 4)
	require.NoError(t, err)
	require.False(t, safe)
}

func TestIsSafeDefaultsTrueWhenOutputMissing(t *testing.T) {
	c := newChecker(func([]tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{
			{Name: "unexpected_a", Tensor: tensor.New(1)},
			{Name: "unexpected_b", Tensor: tensor.New(1)},
		}, nil
	})
	safe, err := c.IsSafe(context.Background(), solidImage(4, 4), 4, 4)
	require.NoError(t, err)
	require.True(t, safe)
}
