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
)

// Resize rescales img to targetWidth x targetHeight with two separable
// bilinear passes: source rows are resampled to targetWidth first, then the
// resulting columns are resampled to targetHeight. Separating the two axes
// means every source pixel is decoded through img.At exactly once, no
// matter how many output pixels its row or column feeds into, at the cost
// of one full-resolution intermediate buffer.
func Resize(img image.Image, targetWidth, targetHeight int) image.Image {
	bounds := img.Bounds()
	srcWidth, srcHeight := bounds.Dx(), bounds.Dy()
	if srcWidth == targetWidth && srcHeight == targetHeight {
		return img
	}

	widened := resizeWidth(img, bounds, targetWidth)
	return resizeHeight(widened, targetHeight)
}

// channelPlane holds decoded RGBA samples (still in image/color's 16-bit
// range) as four flat planes, so the height pass can address a column
// without re-decoding through the image.Image interface.
type channelPlane struct {
	width, height int
	r, g, b, a    []float64
}

func newChannelPlane(w, h int) *channelPlane {
	return &channelPlane{
		width: w, height: h,
		r: make([]float64, w*h),
		g: make([]float64, w*h),
		b: make([]float64, w*h),
		a: make([]float64, w*h),
	}
}

func (p *channelPlane) at(x, y int) (r, g, b, a float64) {
	i := y*p.width + x
	return p.r[i], p.g[i], p.b[i], p.a[i]
}

func (p *channelPlane) set(x, y int, r, g, b, a float64) {
	i := y*p.width + x
	p.r[i], p.g[i], p.b[i], p.a[i] = r, g, b, a
}

func (p *channelPlane) toImage() *image.RGBA64 {
	out := image.NewRGBA64(image.Rect(0, 0, p.width, p.height))
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			r, g, b, a := p.at(x, y)
			out.SetRGBA64(x, y, color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)})
		}
	}
	return out
}

// resizeWidth decodes each source row once and interpolates it horizontally
// to targetWidth.
func resizeWidth(img image.Image, bounds image.Rectangle, targetWidth int) *channelPlane {
	srcWidth, srcHeight := bounds.Dx(), bounds.Dy()
	out := newChannelPlane(targetWidth, srcHeight)
	ratio := float64(srcWidth) / float64(targetWidth)

	type sample struct{ r, g, b, a float64 }
	row := make([]sample, srcWidth)
	for y := 0; y < srcHeight; y++ {
		for x := 0; x < srcWidth; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			row[x] = sample{float64(r), float64(g), float64(b), float64(a)}
		}
		for x := 0; x < targetWidth; x++ {
			x0, x1, w := interpAxis(float64(x)*ratio, srcWidth)
			s0, s1 := row[x0], row[x1]
			out.set(x, y,
				lerp(s0.r, s1.r, w),
				lerp(s0.g, s1.g, w),
				lerp(s0.b, s1.b, w),
				lerp(s0.a, s1.a, w))
		}
	}
	return out
}

// resizeHeight interpolates a width-resized plane vertically to
// targetHeight.
func resizeHeight(p *channelPlane, targetHeight int) image.Image {
	out := newChannelPlane(p.width, targetHeight)
	ratio := float64(p.height) / float64(targetHeight)

	for y := 0; y < targetHeight; y++ {
		y0, y1, w := interpAxis(float64(y)*ratio, p.height)
		for x := 0; x < p.width; x++ {
			r0, g0, b0, a0 := p.at(x, y0)
			r1, g1, b1, a1 := p.at(x, y1)
			out.set(x, y, lerp(r0, r1, w), lerp(g0, g1, w), lerp(b0, b1, w), lerp(a0, a1, w))
		}
	}
	return out.toImage()
}

// interpAxis maps a fractional source coordinate to the two neighboring
// integer samples it falls between (both clamped into [0, n-1]) and the
// weight to blend the second sample in.
func interpAxis(srcCoord float64, n int) (i0, i1 int, weight float64) {
	i0 = clampInt(int(srcCoord), 0, n-1)
	i1 = clampInt(i0+1, 0, n-1)
	return i0, i1, srcCoord - float64(i0)
}

func lerp(a, b, weight float64) float64 {
	return a + weight*(b-a)
}

func clampInt(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
