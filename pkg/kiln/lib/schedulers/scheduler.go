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

// Config carries the constructor parameters shared by every scheduler.
type Config struct {
	StepCount      int
	TrainStepCount int // always 1000 in practice, kept configurable for tests
	BetaSchedule   BetaSchedule
	BetaStart      float64
	BetaEnd        float64
	// Strength truncates the schedule to its last floor(StepCount*Strength)
	// entries, for image-to-image sampling. Nil means no truncation.
	Strength *float64
}

// DefaultConfig returns the constants used throughout the Stable Diffusion
// family: 1000 training steps, scaled-linear betas from 0.00085 to 0.012.
func DefaultConfig(stepCount int) Config {
	return Config{
		StepCount:      stepCount,
		TrainStepCount: 1000,
		BetaSchedule:   BetaScheduleScaledLinear,
		BetaStart:      0.00085,
		BetaEnd:        0.012,
	}
}

// Scheduler is the closed set of multistep denoising update rules this
// runtime implements. It is modeled as a small closed sum type — satisfied
// by exactly *PLMS and *DPMSolverPP — dispatched by the sampling loop
// rather than as an open-ended plugin interface, since a third scheduler
// would need its own math reviewed here, not just a new implementation
// dropped in.
type Scheduler interface {
	// TimeSteps returns the fixed, precomputed schedule this instance will
	// walk, in the decreasing order the sampling loop consumes it.
	TimeSteps() []int

	// Step consumes one predicted-noise tensor for timestep t and the
	// current sample, and returns the next (less noisy) latent.
	Step(output *tensor.Tensor, t int, sample *tensor.Tensor) *tensor.Tensor

	// AddNoise mixes noise into original at the schedule's starting
	// timestep, used to seed image-to-image sampling from a partially
	// noised latent instead of pure noise.
	AddNoise(original, noise *tensor.Tensor) *tensor.Tensor

	// InitNoiseSigma scales the pure-noise latent sampled before the first
	// denoising step (spec §4.7 step 3). Both schedulers here consume
	// epsilon-parameterized noise directly, so it is 1.0 for either; the
	// method exists so the sampling loop never hardcodes that fact.
	InitNoiseSigma() float32
}

var (
	_ Scheduler = (*PLMS)(nil)
	_ Scheduler = (*DPMSolverPP)(nil)
)

// alphaTable holds the precomputed constants both schedulers derive from a
// Config and share verbatim.
type alphaTable struct {
	betas         []float64
	alphas        []float64
	alphasCumProd []float64
	steps         []int
}

func newAlphaTable(cfg Config) alphaTable {
	betas := computeBetas(cfg.BetaSchedule, cfg.BetaStart, cfg.BetaEnd, cfg.TrainStepCount)
	alphas, alphasCumProd := cumulativeAlphas(betas)
	return alphaTable{
		betas:         betas,
		alphas:        alphas,
		alphasCumProd: alphasCumProd,
		steps:         timeSteps(cfg.StepCount, cfg.TrainStepCount, cfg.Strength),
	}
}

// alphaCumProdAt returns alphasCumProd[t-1], clamped to 1.0 for t<=0 (the
// fully-denoised endpoint every scheduler's update rule treats specially).
func (a alphaTable) alphaCumProdAt(t int) float64 {
	if t <= 0 {
		return 1.0
	}
	idx := t - 1
	if idx >= len(a.alphasCumProd) {
		idx = len(a.alphasCumProd) - 1
	}
	return a.alphasCumProd[idx]
}

// addNoise implements the shared √αt·sample + √(1−αt)·noise mix at the
// schedule's first (latest, most-noised) timestep.
func (a alphaTable) addNoise(original, noise *tensor.Tensor) *tensor.Tensor {
	t := a.steps[0]
	alphaT := a.alphaCumProdAt(t)
	sqrtAlpha := math.Sqrt(alphaT)
	sqrtOneMinusAlpha := math.Sqrt(1 - alphaT)
	return tensor.WeightedSum([]float32{float32(sqrtAlpha), float32(sqrtOneMinusAlpha)}, original, noise)
}
