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

// DPMSolverPP is the second-order multistep DPM-Solver++ (2M) scheduler,
// operating in the data-prediction (x0) parameterization.
type DPMSolverPP struct {
	alphaTable

	sigmas              []float64 // sigmas[i] = sqrt((1-alphaTPrev_i)/alphaTPrev_i), one per schedule entry plus the terminal 0
	previousModelOutput *tensor.Tensor
	lowerOrderNums      int
	counter             int
	delta               int
}

// NewDPMSolverPP builds a DPM-Solver++ (2M) scheduler from cfg.
func NewDPMSolverPP(cfg Config) *DPMSolverPP {
	table := newAlphaTable(cfg)
	delta := 1
	if len(table.betas) > 0 && len(table.steps) > 0 {
		delta = len(table.betas) / len(table.steps)
	}

	sigmas := make([]float64, len(table.steps)+1)
	for i, t := range table.steps {
		aTPrev := table.alphaCumProdAt(maxInt(0, t-delta))
		sigmas[i] = math.Sqrt((1 - aTPrev) / aTPrev)
	}
	sigmas[len(sigmas)-1] = 0 // terminal sigma at the fully-denoised endpoint

	return &DPMSolverPP{alphaTable: table, sigmas: sigmas, delta: delta}
}

// TimeSteps implements Scheduler.
func (s *DPMSolverPP) TimeSteps() []int { return s.steps }

// Step implements Scheduler.
func (s *DPMSolverPP) Step(output *tensor.Tensor, t int, sample *tensor.Tensor) *tensor.Tensor {
	sigmaT := s.sigmaAt(s.counter)
	x0 := s.dataPrediction(output, sample, sigmaT)

	sigmaTPrev := s.sigmaAt(s.counter + 1)

	var prev *tensor.Tensor
	switch {
	case sigmaTPrev == 0:
		// At the fully-denoised endpoint both update rules reduce to the
		// x0-prediction itself; evaluating them there would divide by zero.
		prev = x0
	case s.lowerOrderNums < 1 || s.previousModelOutput == nil:
		prev = firstOrderUpdate(sample, x0, sigmaT, sigmaTPrev)
	default:
		prev = secondOrderUpdate(sample, x0, s.previousModelOutput, sigmaT, s.sigmaAt(s.counter-1), sigmaTPrev)
	}

	s.previousModelOutput = x0
	s.counter++
	if s.lowerOrderNums < 2 {
		s.lowerOrderNums++
	}
	return prev
}

// sigmaAt clamps i into the precomputed sigma table's range.
func (s *DPMSolverPP) sigmaAt(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i >= len(s.sigmas) {
		i = len(s.sigmas) - 1
	}
	return s.sigmas[i]
}

// dataPrediction converts a predicted-noise model output into an
// x0-prediction: (sample - sigma*output) / sqrt(1+sigma^2).
func (s *DPMSolverPP) dataPrediction(output, sample *tensor.Tensor, sigma float64) *tensor.Tensor {
	numerator := tensor.AddScaled(sample, float32(-sigma), output)
	return tensor.Scale(numerator, float32(1/math.Sqrt(1+sigma*sigma)))
}

// firstOrderUpdate is the first-order DPM-Solver++ update rule, used for
// the scheduler's first call.
func firstOrderUpdate(sample, x0 *tensor.Tensor, sigmaT, sigmaTPrev float64) *tensor.Tensor {
	lambdaT := -math.Log(sigmaT)
	lambdaTPrev := -math.Log(sigmaTPrev)
	h := lambdaTPrev - lambdaT

	sampleCoeff := sigmaTPrev / sigmaT
	x0Coeff := -math.Expm1(-h)
	return tensor.WeightedSum([]float32{float32(sampleCoeff), float32(x0Coeff)}, sample, x0)
}

// secondOrderUpdate is the 2M (second-order multistep) update rule,
// combining the current and previous x0-predictions with logarithmic
// sigma spacing.
func secondOrderUpdate(sample, x0, x0Prev *tensor.Tensor, sigmaT, sigmaTMinus1, sigmaTPrev float64) *tensor.Tensor {
	lambdaTMinus1 := -math.Log(sigmaTMinus1)
	lambdaT := -math.Log(sigmaT)
	lambdaTPrev := -math.Log(sigmaTPrev)

	h := lambdaTPrev - lambdaT
	hPrev := lambdaT - lambdaTMinus1
	r := hPrev / h

	sampleCoeff := sigmaTPrev / sigmaT
	x0Coeff := -math.Expm1(-h) * (1 + 1/(2*r))
	x0PrevCoeff := math.Expm1(-h) * (1 / (2 * r))

	return tensor.WeightedSum(
		[]float32{float32(sampleCoeff), float32(x0Coeff), float32(x0PrevCoeff)},
		sample, x0, x0Prev,
	)
}

// AddNoise implements Scheduler.
func (s *DPMSolverPP) AddNoise(original, noise *tensor.Tensor) *tensor.Tensor {
	return s.addNoise(original, noise)
}

// InitNoiseSigma implements Scheduler.
func (s *DPMSolverPP) InitNoiseSigma() float32 { return 1.0 }
