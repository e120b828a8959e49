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

// Package schedulers implements the two multistep denoising update rules
// this runtime supports: PLMS/PNDM and DPM-Solver++ (2M). Both consume one
// predicted-noise tensor per call and return the next, less-noisy latent;
// neither performs any neural-network computation itself.
package schedulers

import "math"

// BetaSchedule names one of the two supported noise-variance schedules.
type BetaSchedule string

const (
	BetaScheduleLinear       BetaSchedule = "linear"
	BetaScheduleScaledLinear BetaSchedule = "scaledLinear"
)

// computeBetas returns the length-trainStepCount beta sequence for the
// given schedule.
func computeBetas(schedule BetaSchedule, start, end float64, trainStepCount int) []float64 {
	betas := make([]float64, trainStepCount)
	switch schedule {
	case BetaScheduleScaledLinear:
		lo, hi := math.Sqrt(start), math.Sqrt(end)
		for i := range betas {
			v := linspaceAt(lo, hi, trainStepCount, i)
			betas[i] = v * v
		}
	default: // BetaScheduleLinear
		for i := range betas {
			betas[i] = linspaceAt(start, end, trainStepCount, i)
		}
	}
	return betas
}

// linspaceAt returns the i-th of n evenly spaced values from lo to hi
// inclusive, without allocating the whole array.
func linspaceAt(lo, hi float64, n, i int) float64 {
	if n <= 1 {
		return lo
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

// cumulativeAlphas returns alphas[i]=1-betas[i] and their running product
// alphasCumProd[i] = Π_{j<=i} alphas[j].
func cumulativeAlphas(betas []float64) (alphas, alphasCumProd []float64) {
	alphas = make([]float64, len(betas))
	alphasCumProd = make([]float64, len(betas))
	running := 1.0
	for i, b := range betas {
		alphas[i] = 1 - b
		running *= alphas[i]
		alphasCumProd[i] = running
	}
	return alphas, alphasCumProd
}

// timeSteps returns the forward-step schedule {round(i*T/N)+1 : i in [0,N)}
// for stepCount N over trainStepCount T, then truncates to the first
// floor(N*strength) entries when strength is provided (image-to-image):
// full is ascending in t, so keeping its prefix keeps the lowest-t,
// lowest-noise steps, matching a partially denoised starting latent. The
// result is returned in the reversed (decreasing) order the sampling
// loop consumes it in.
func timeSteps(stepCount, trainStepCount int, strength *float64) []int {
	n := stepCount
	full := make([]int, n)
	ratio := float64(trainStepCount) / float64(n)
	for i := 0; i < n; i++ {
		full[i] = int(math.Round(float64(i)*ratio)) + 1
	}

	if strength != nil {
		keep := int(float64(n) * *strength)
		if keep < 1 {
			keep = 1
		}
		if keep < n {
			full = full[:keep]
		}
	}

	reversed := make([]int, len(full))
	for i, v := range full {
		reversed[len(full)-1-i] = v
	}
	return reversed
}
