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

package cmd

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln"
	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
)

var genFlags struct {
	negativePrompt string
	imageCount     int
	stepCount      int
	strength       float32
	guidanceScale  float32
	imgGuidance    float32
	seed           uint32
	scheduler      string
	backend        string
	computeUnits   string
	outputPath     string
	reduceMemory   bool
	disableSafety  bool
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate one or more images from a text prompt",
	Long: `Generate runs the sampling loop against the resource directory named by
--resource-path and writes one PNG per requested image to --output-path.

Examples:
  kiln generate --resource-path ./sd15 "a lighthouse at dusk, oil painting"
  kiln generate --resource-path ./sd15 --image-count 4 --seed 7 "a red bicycle"`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.StringVar(&genFlags.negativePrompt, "negative-prompt", "", "text describing what to avoid")
	f.IntVar(&genFlags.imageCount, "image-count", 1, "number of independent images to sample")
	f.IntVar(&genFlags.stepCount, "step-count", 30, "number of denoising steps")
	f.Float32Var(&genFlags.strength, "strength", 0, "image-to-image strength in [0,1]; 0 disables image-to-image")
	f.Float32Var(&genFlags.guidanceScale, "guidance-scale", 7.5, "classifier-free guidance scale")
	f.Float32Var(&genFlags.imgGuidance, "image-guidance-scale", 0, "instruct-pix2pix image guidance scale; 0 disables instruct mode")
	f.Uint32Var(&genFlags.seed, "seed", 0, "RNG seed")
	f.StringVar(&genFlags.scheduler, "scheduler", "plms", "scheduler: plms or dpmsolver++")
	f.StringVar(&genFlags.backend, "backend", string(backends.BackendONNX), "inference backend")
	f.StringVar(&genFlags.computeUnits, "compute-units", string(backends.ComputeUnitsAll), "compute units: all, cpuOnly, cpuAndGPU, cpuAndNeuralEngine")
	f.StringVar(&genFlags.outputPath, "output-path", ".", "directory to write generated PNGs to")
	f.BoolVar(&genFlags.reduceMemory, "reduce-memory", false, "unload each model as soon as the pipeline is done with it")
	f.BoolVar(&genFlags.disableSafety, "disable-safety", false, "skip the safety checker even if one was discovered")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	if resourcePath == "" {
		return fmt.Errorf("--resource-path is required")
	}

	backendType, err := backends.ParseBackendType(genFlags.backend)
	if err != nil {
		return err
	}
	computeUnits, err := backends.ParseComputeUnits(genFlags.computeUnits)
	if err != nil {
		return err
	}

	cfg := kiln.DefaultConfig(resourcePath)
	cfg.Backend = backendType
	cfg.ComputeUnits = computeUnits
	cfg.ReduceMemory = genFlags.reduceMemory
	cfg.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline, err := kiln.NewPipeline(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing pipeline: %w", err)
	}
	defer func() {
		if err := pipeline.Close(context.Background()); err != nil {
			logger.Warn("error closing pipeline", zap.Error(err))
		}
	}()

	input := kiln.SampleInput{
		Prompt:         prompt,
		NegativePrompt: genFlags.negativePrompt,
		Seed:           genFlags.seed,
		StepCount:      genFlags.stepCount,
		GuidanceScale:  genFlags.guidanceScale,
		Scheduler:      parseScheduler(genFlags.scheduler),
	}
	if genFlags.strength > 0 {
		input.Strength = &genFlags.strength
	}
	if genFlags.imgGuidance > 0 {
		input.ImageGuidanceScale = &genFlags.imgGuidance
	}

	progress := func(step int) bool {
		logger.Info("step complete", zap.Int("step", step), zap.Int("of", genFlags.stepCount))
		return true
	}

	images, err := pipeline.GenerateImages(ctx, input, genFlags.imageCount, genFlags.disableSafety, progress)
	if err != nil {
		return fmt.Errorf("generating images: %w", err)
	}
	if images == nil {
		logger.Info("generation cancelled")
		return nil
	}

	if err := os.MkdirAll(genFlags.outputPath, 0o755); err != nil {
		return err
	}
	slug := slugify(prompt)
	rejected := 0
	for i, img := range images {
		if img == nil {
			rejected++
			continue
		}
		name := fmt.Sprintf("%s.%d.%d.png", slug, genFlags.seed, i)
		path := filepath.Join(genFlags.outputPath, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = png.Encode(f, img)
		closeErr := f.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		logger.Info("wrote image", zap.String("path", path))
	}
	if rejected > 0 {
		logger.Warn("safety checker rejected images", zap.Int("count", rejected))
	}
	return nil
}

func parseScheduler(s string) kiln.SchedulerKind {
	if strings.EqualFold(s, "dpmsolver++") || strings.EqualFold(s, "dpmsolverpp") {
		return kiln.SchedulerDPMSolverPP
	}
	return kiln.SchedulerPLMS
}

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func slugify(prompt string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(prompt), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		return "image"
	}
	return s
}
