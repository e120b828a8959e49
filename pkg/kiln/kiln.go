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

package kiln

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/controlnet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/resources"
	"github.com/kilnrt/kiln/pkg/kiln/lib/safety"
	"github.com/kilnrt/kiln/pkg/kiln/lib/textencoder"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tokenizer"
	"github.com/kilnrt/kiln/pkg/kiln/lib/unet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/vae"
)

// CLIP-family special tokens: the start-of-text token doubles as the
// beginning marker and the end-of-text token doubles as both the sequence
// terminator and the pad filler, matching the tokenizer the Stable
// Diffusion family ships with (spec.md §6).
const (
	startOfTextToken = "<|startoftext|>"
	endOfTextToken   = "<|endoftext|>"

	inputIDsInputName = "input_ids"
	sampleInputName   = "sample"

	defaultSeqLength = 77
)

// Pipeline holds every wrapped model artifact and runtime cache a
// generateImages call needs. Construct one with NewPipeline per resource
// directory; a Pipeline is not safe for concurrent GenerateImages calls
// (spec.md §5).
type Pipeline struct {
	logger *zap.Logger

	unetModels  []*backends.ManagedModel // 1 (single) or 2 (chunked), in load order
	otherModels []*backends.ManagedModel // every other artifact, for reduceMemory bookkeeping

	tokenizer   tokenizer.Tokenizer
	textEncoder *textencoder.TextEncoder
	vaeEncoder  *vae.Encoder // nil when the resource directory has none
	vaeDecoder  *vae.Decoder
	unet        unet.Model
	controlNet  *controlnet.Net // nil when the resource directory has none
	safety      *safety.Checker // nil when the resource directory has none

	latentHeight, latentWidth int
	pixelHeight, pixelWidth   int

	canInpaint        bool
	takesInstructions bool

	hiddenCache *hiddenStateCache

	reduceMemory bool
}

// NewPipeline discovers cfg.ResourcePath's artifacts, loads the U-Net once
// to learn its declared latent resolution, and returns a ready-to-use
// Pipeline. Optional artifacts (VAEEncoder, SafetyChecker, ControlNet)
// that are absent simply leave the corresponding capability disabled
// rather than failing construction (spec.md §7).
func NewPipeline(ctx context.Context, cfg Config) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, err := resources.Discover(cfg.ResourcePath, logger)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.NewBPE(dir.VocabPath, dir.MergesPath, startOfTextToken, endOfTextToken, endOfTextToken, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backends.ErrResourceMissing, err)
	}

	backendType := cfg.Backend
	if backendType == "" {
		backendType = backends.BackendONNX
	}
	factory, err := backends.GetFactory(backendType)
	if err != nil {
		return nil, err
	}

	loadOpts := []backends.LoadOption{backends.WithComputeUnits(cfg.ComputeUnits)}
	if cfg.NumThreads > 0 {
		loadOpts = append(loadOpts, backends.WithNumThreads(cfg.NumThreads))
	}
	newModel := func(name string, artifact *resources.Artifact) *backends.ManagedModel {
		return backends.NewManagedModel(name, artifact.Path, factory, loadOpts, logger)
	}

	textEncoderModel := newModel("text_encoder", dir.TextEncoder)
	vaeDecoderModel := newModel("vae_decoder", dir.VAEDecoder)

	p := &Pipeline{
		logger:       logger.Named("pipeline"),
		tokenizer:    tok,
		vaeDecoder:   vae.NewDecoder(vaeDecoderModel),
		hiddenCache:  newHiddenStateCache(),
		reduceMemory: cfg.ReduceMemory,
	}
	p.otherModels = append(p.otherModels, textEncoderModel, vaeDecoderModel)

	if dir.VAEEncoder != nil {
		vaeEncoderModel := newModel("vae_encoder", dir.VAEEncoder)
		p.vaeEncoder = vae.NewEncoder(vaeEncoderModel)
		p.otherModels = append(p.otherModels, vaeEncoderModel)
	}
	if dir.SafetyChecker != nil {
		safetyModel := newModel("safety_checker", dir.SafetyChecker)
		p.safety = safety.New(safetyModel)
		p.otherModels = append(p.otherModels, safetyModel)
	}
	if dir.ControlNet != nil {
		controlNetModel := newModel("controlnet", dir.ControlNet)
		p.controlNet = controlnet.New(controlNetModel)
		p.otherModels = append(p.otherModels, controlNetModel)
	}

	var unetSample backends.TensorInfo
	if dir.Chunked() {
		stage1Model := newModel("unet_chunk1", dir.UnetChunk1)
		stage2Model := newModel("unet_chunk2", dir.UnetChunk2)
		p.unet = unet.NewChunked(stage1Model, stage2Model)
		p.unetModels = []*backends.ManagedModel{stage1Model, stage2Model}

		inputs, err := stage1Model.InputInfo(ctx)
		if err != nil {
			return nil, err
		}
		info, ok := backends.HasNamed(inputs, sampleInputName)
		if !ok {
			return nil, fmt.Errorf("%w: chunked U-Net stage 1 declares no %q input", backends.ErrShapeMismatch, sampleInputName)
		}
		unetSample = info
	} else {
		unetModel := newModel("unet", dir.Unet)
		p.unet = unet.NewSingle(unetModel)
		p.unetModels = []*backends.ManagedModel{unetModel}

		inputs, err := unetModel.InputInfo(ctx)
		if err != nil {
			return nil, err
		}
		info, ok := backends.HasNamed(inputs, sampleInputName)
		if !ok {
			return nil, fmt.Errorf("%w: U-Net declares no %q input", backends.ErrShapeMismatch, sampleInputName)
		}
		unetSample = info
	}
	if len(unetSample.Shape) < 4 || unetSample.Shape[2] <= 0 || unetSample.Shape[3] <= 0 {
		return nil, fmt.Errorf("%w: U-Net %q input has no usable spatial shape %v", backends.ErrShapeMismatch, sampleInputName, unetSample.Shape)
	}
	p.latentHeight, p.latentWidth = unetSample.Shape[2], unetSample.Shape[3]
	p.pixelHeight, p.pixelWidth = p.latentHeight*8, p.latentWidth*8

	p.canInpaint, err = p.unet.CanInpaint(ctx)
	if err != nil {
		return nil, err
	}
	p.takesInstructions, err = p.unet.TakesInstructions(ctx)
	if err != nil {
		return nil, err
	}

	seqLength := defaultSeqLength
	teInputs, err := textEncoderModel.InputInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := backends.HasNamed(teInputs, inputIDsInputName); ok && len(info.Shape) >= 2 && info.Shape[1] > 0 {
		seqLength = info.Shape[1]
	}
	p.textEncoder = textencoder.New(textEncoderModel, tok, seqLength)

	if cfg.ReduceMemory {
		for _, m := range p.unetModels {
			if err := m.Unload(ctx); err != nil {
				return nil, err
			}
		}
		if err := textEncoderModel.Unload(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("pipeline constructed",
		zap.Int("latent_height", p.latentHeight), zap.Int("latent_width", p.latentWidth),
		zap.Bool("can_inpaint", p.canInpaint), zap.Bool("takes_instructions", p.takesInstructions),
		zap.Bool("has_vae_encoder", p.vaeEncoder != nil),
		zap.Bool("has_safety_checker", p.safety != nil),
		zap.Bool("has_controlnet", p.controlNet != nil),
		zap.Bool("chunked_unet", dir.Chunked()))

	return p, nil
}

// CanInpaint reports whether the loaded U-Net declares a 9-channel sample
// input.
func (p *Pipeline) CanInpaint() bool { return p.canInpaint }

// CanGenerateVariations reports whether image-to-image and inpainting are
// available at all, i.e. a VAE encoder was discovered (spec.md §7).
func (p *Pipeline) CanGenerateVariations() bool { return p.vaeEncoder != nil }

// CanSafetyCheck reports whether a safety classifier was discovered.
func (p *Pipeline) CanSafetyCheck() bool { return p.safety != nil }
