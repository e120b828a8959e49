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

package schedulers

import (
	"math"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// PLMS is the pseudo-linear multistep scheduler (the PLMS/PNDM history-only
// variant, without the Runge-Kutta warmup). It is a single-writer state
// machine: one instance per image in a batch, Step called once per
// timestep in TimeSteps order.
type PLMS struct {
	alphaTable

	ets           []*tensor.Tensor // most recent model outputs, oldest first, len<=4
	counter       int
	currentSample *tensor.Tensor // snapshot of the sample taken at the very first Step call
}

// NewPLMS builds a PLMS scheduler from cfg. TimeSteps is the plain
// strictly-decreasing N-entry schedule; the model is queried exactly once
// per entry. The bootstrap the algorithm needs for its first two calls
// (replaying the first residual and averaging it with the second before
// they diverge into a normal multistep history) is bookkeeping internal to
// Step, not an extra or duplicated schedule entry.
func NewPLMS(cfg Config) *PLMS {
	return &PLMS{alphaTable: newAlphaTable(cfg)}
}

// TimeSteps implements Scheduler.
func (s *PLMS) TimeSteps() []int { return s.steps }

// Step implements Scheduler.
func (s *PLMS) Step(output *tensor.Tensor, t int, sample *tensor.Tensor) *tensor.Tensor {
	delta := s.stepDelta()
	workingT := t

	if s.counter != 1 {
		if len(s.ets) >= 3 {
			s.ets = s.ets[len(s.ets)-3:]
		}
		s.ets = append(s.ets, output)
	} else {
		// The second call: the model was queried at the schedule's genuine
		// second timestep, but the update this call produces belongs to the
		// first timestep's transition, using the snapshot taken there.
		workingT = t + delta
		sample = s.currentSample
		s.currentSample = nil
	}

	var modelOutput *tensor.Tensor
	switch {
	case len(s.ets) == 1 && s.counter == 0:
		modelOutput = output
		s.currentSample = sample
	case len(s.ets) == 1 && s.counter == 1:
		modelOutput = tensor.WeightedSum([]float32{0.5, 0.5}, output, s.ets[len(s.ets)-1])
	case len(s.ets) == 2:
		modelOutput = tensor.WeightedSum([]float32{1.5, -0.5}, s.ets[len(s.ets)-1], s.ets[len(s.ets)-2])
	case len(s.ets) == 3:
		modelOutput = tensor.WeightedSum([]float32{23.0 / 12, -16.0 / 12, 5.0 / 12},
			s.ets[len(s.ets)-1], s.ets[len(s.ets)-2], s.ets[len(s.ets)-3])
	default:
		modelOutput = tensor.WeightedSum([]float32{55.0 / 24, -59.0 / 24, 37.0 / 24, -9.0 / 24},
			s.ets[len(s.ets)-1], s.ets[len(s.ets)-2], s.ets[len(s.ets)-3], s.ets[len(s.ets)-4])
	}

	prevSample := s.update(modelOutput, workingT, sample, delta)
	s.counter++
	return prevSample
}

// stepDelta is the training-step distance between consecutive schedule
// entries, used to look up alphasCumProd at the "previous" timestep.
func (s *PLMS) stepDelta() int {
	if len(s.betas) == 0 || len(s.steps) == 0 {
		return 1
	}
	return len(s.betas) / len(s.steps)
}

// update applies the previous-sample formula shared by every PLMS branch.
func (s *PLMS) update(modelOutput *tensor.Tensor, t int, sample *tensor.Tensor, delta int) *tensor.Tensor {
	alphaT := s.alphaCumProdAt(t)
	alphaTPrev := s.alphaCumProdAt(maxInt(0, t-delta))

	coeffSample := math.Sqrt(alphaTPrev / alphaT)
	denom := alphaT*math.Sqrt(1-alphaTPrev) + math.Sqrt(alphaT*(1-alphaT)*alphaTPrev)
	coeffModel := -(alphaTPrev - alphaT) / denom

	return tensor.WeightedSum([]float32{float32(coeffSample), float32(coeffModel)}, sample, modelOutput)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// AddNoise implements Scheduler.
func (s *PLMS) AddNoise(original, noise *tensor.Tensor) *tensor.Tensor {
	return s.addNoise(original, noise)
}

// InitNoiseSigma implements Scheduler.
func (s *PLMS) InitNoiseSigma() float32 { return 1.0 }
