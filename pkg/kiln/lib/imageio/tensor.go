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

package imageio

import (
	"image"
	"image/color"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// Range selects the pixel-value normalization a tensor boundary expects
// (spec.md §9's "tensor layout at model boundaries").
type Range int

const (
	// RangeSignedUnit normalizes to [-1, 1], the VAE encoder's convention.
	RangeSignedUnit Range = iota
	// RangeUnit normalizes to [0, 1], the ControlNet conditioning
	// convention.
	RangeUnit
)

// ToTensor converts img to an NCHW float32 tensor of shape [1, 3, h, w],
// resizing to (width, height) first and dropping any alpha channel.
func ToTensor(img image.Image, width, height int, r Range) *tensor.Tensor {
	resized := Resize(img, width, height)
	bounds := resized.Bounds()

	out := tensor.New(1, 3, height, width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := resized.At(bounds.Min.X+x, bounds.Min.Y+y)
			rr, gg, bb, _ := c.RGBA()
			rf, gf, bf := normalize(rr, r), normalize(gg, r), normalize(bb, r)
			idx := y*width + x
			out.Data[0*plane+idx] = rf
			out.Data[1*plane+idx] = gf
			out.Data[2*plane+idx] = bf
		}
	}
	return out
}

// normalize maps a 16-bit RGBA channel value into the requested Range.
func normalize(v uint32, r Range) float32 {
	unit := float32(v) / 0xffff
	if r == RangeSignedUnit {
		return unit*2 - 1
	}
	return unit
}

// AlphaTensor extracts img's alpha channel as a [1, 1, h, w] tensor in
// [0, 1], where opaque means "retain" — the inpainting mask convention.
// Images without an alpha channel are treated as fully opaque.
func AlphaTensor(img image.Image) *tensor.Tensor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := tensor.New(1, 1, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			_, _, _, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.Data[y*w+x] = float32(a) / 0xffff
		}
	}
	return out
}

// FromTensor converts a [1, 3, h, w] tensor in [-1, 1] back into an
// image.RGBA, the VAE decoder's output boundary.
func FromTensor(t *tensor.Tensor) *image.RGBA {
	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			r := denormalize(t.Data[0*plane+idx])
			g := denormalize(t.Data[1*plane+idx])
			b := denormalize(t.Data[2*plane+idx])
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return img
}

func denormalize(v float32) uint8 {
	unit := (v + 1) / 2
	switch {
	case unit <= 0:
		return 0
	case unit >= 1:
		return 255
	default:
		return uint8(unit*255 + 0.5)
	}
}
