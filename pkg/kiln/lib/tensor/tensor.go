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

// Package tensor holds the dense rank-4 float32 buffers that flow between
// pipeline stages, plus the small set of elementwise operators the
// orchestration layer performs itself (scheduler updates, guidance fusion,
// noise mixing). The heavier tensor math inside the neural networks
// themselves is delegated to a host inference backend (see lib/backends)
// and is out of scope here.
package tensor

import "fmt"

// Tensor is a dense NCHW float32 buffer with a fixed shape. Shapes are
// established at model-load time and never change size across a request.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed Tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps existing data with a shape, without copying.
// The caller must ensure len(data) == numel(shape).
func FromData(data []float32, shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements in the tensor.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// requireSameShape panics with a descriptive message on mismatch. Shape
// mismatches indicate mis-packaged models (spec §7's ShapeMismatch), a
// programmer error the pipeline surfaces as a fatal error before it ever
// reaches this helper — see backends.ErrShapeMismatch for the wrapped form
// used at call sites that can still return an error.
func requireSameShape(name string, ts ...*Tensor) {
	if len(ts) == 0 {
		return
	}
	for i := 1; i < len(ts); i++ {
		if !ts[0].SameShape(ts[i]) {
			panic(fmt.Sprintf("%s: shape mismatch %v vs %v", name, ts[0].Shape, ts[i].Shape))
		}
	}
}

// Named associates a name with a tensor, mirroring the named-input/output
// convention of the host inference backend's session API.
type Named struct {
	Name   string
	Tensor *Tensor
}
