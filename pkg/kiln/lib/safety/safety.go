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

// Package safety wraps the optional safety classifier the pipeline may
// replace unsafe images with a null result for. The classifier itself is
// an opaque callable with a fixed I/O contract: it is not this module's
// concern to know what it looks at or how.
package safety

import (
	"context"
	"image"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/imageio"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

const (
	imagesInputName    = "images"
	conceptsOutputName = "has_nsfw_concepts"
)

// Checker wraps a safety classifier ManagedModel.
type Checker struct {
	model *backends.ManagedModel
}

// New builds a Checker.
func New(model *backends.ManagedModel) *Checker {
	return &Checker{model: model}
}

// IsSafe runs the classifier over img (resized to width x height and
// normalized to [0,1]) and reports whether it judged the image safe. A
// per-call InferenceFailed error is fatal to the current image only; the
// pipeline treats an unsafe verdict as SafetyRejected, not an error.
func (c *Checker) IsSafe(ctx context.Context, img image.Image, width, height int) (bool, error) {
	pixels := imageio.ToTensor(img, width, height, imageio.RangeUnit)

	outputs, err := c.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, []tensor.Named{{Name: imagesInputName, Tensor: pixels}})
	})
	if err != nil {
		return false, err
	}

	concepts, ok := backends.First(outputs, conceptsOutputName)
	if !ok {
		return true, nil
	}
	for _, v := range concepts.Data {
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Close releases the underlying artifact.
func (c *Checker) Close(ctx context.Context) error {
	return c.model.Unload(ctx)
}
