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
	"image"

	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/controlnet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/imageio"
	"github.com/kilnrt/kiln/pkg/kiln/lib/rng"
	"github.com/kilnrt/kiln/pkg/kiln/lib/schedulers"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
	"github.com/kilnrt/kiln/pkg/kiln/lib/vae"
)

// SchedulerKind selects which of the closed set of denoising update rules
// a SampleInput walks.
type SchedulerKind int

const (
	SchedulerPLMS SchedulerKind = iota
	SchedulerDPMSolverPP
)

// ProgressFunc is invoked after every timestep has run for every requested
// image, with the 1-indexed count of steps completed so far. Returning
// false cancels the remaining work; GenerateImages then returns (nil, nil)
// rather than a partial result or an error.
type ProgressFunc func(step int) bool

// SampleInput describes one generation request: a prompt pair, an optional
// starting image (for image-to-image, inpainting, or instruct-pix2pix
// editing), and the sampling parameters to walk with.
type SampleInput struct {
	Prompt         string
	NegativePrompt string

	// InitImage, when set, seeds the latent from an existing image instead
	// of pure noise. Combined with InpaintMask it selects inpainting;
	// combined with ImageGuidanceScale it selects instruct-pix2pix editing;
	// alone with Strength it selects plain image-to-image.
	InitImage image.Image
	// Strength in [0, 1] controls how much of the schedule to walk for
	// image-to-image; 1 discards the init image entirely, 0 barely moves
	// it. Must not be set alongside InpaintMask.
	Strength *float32

	// InpaintMask marks, via its alpha channel, the region to regenerate.
	// Requires InitImage and forbids Strength.
	InpaintMask image.Image

	// ImageGuidanceScale enables instruct-pix2pix's second guidance term.
	// Requires InitImage.
	ImageGuidanceScale *float32

	Seed          uint32
	StepCount     int
	GuidanceScale float32
	Scheduler     SchedulerKind
}

func (s SampleInput) validate() error {
	if s.Strength != nil && (*s.Strength < 0 || *s.Strength > 1) {
		return fmt.Errorf("%w: strength %f outside [0,1]", backends.ErrShapeMismatch, *s.Strength)
	}
	if s.InpaintMask != nil {
		if s.InitImage == nil {
			return fmt.Errorf("%w: inpaint mask requires an init image", backends.ErrShapeMismatch)
		}
		if s.Strength != nil {
			return fmt.Errorf("%w: inpaint mask and strength are mutually exclusive", backends.ErrShapeMismatch)
		}
	}
	if s.ImageGuidanceScale != nil && s.InitImage == nil {
		return fmt.Errorf("%w: image guidance scale requires an init image", backends.ErrShapeMismatch)
	}
	if s.StepCount <= 0 {
		return fmt.Errorf("%w: step count must be positive", backends.ErrShapeMismatch)
	}
	return nil
}

func (s SampleInput) instruct() bool { return s.ImageGuidanceScale != nil }
func (s SampleInput) inpaint() bool  { return s.InpaintMask != nil }
func (s SampleInput) img2img() bool  { return s.InitImage != nil && !s.instruct() && !s.inpaint() }

// GenerateImages runs the full text-to-image (or image-to-image, inpaint,
// instruct) sampling algorithm for count independent images sharing one
// prompt pair, and returns one *image.RGBA per requested image. An image
// the safety checker rejects is nil at its index rather than causing an
// error. A cancelled progress callback returns (nil, nil).
func (p *Pipeline) GenerateImages(ctx context.Context, input SampleInput, count int, disableSafety bool, progress ProgressFunc) ([]*image.RGBA, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	if input.inpaint() && !p.canInpaint {
		return nil, fmt.Errorf("%w: loaded U-Net does not accept a 9-channel inpainting input", backends.ErrShapeMismatch)
	}
	if input.instruct() && !p.takesInstructions {
		return nil, fmt.Errorf("%w: loaded U-Net does not accept instruct-pix2pix batching", backends.ErrShapeMismatch)
	}
	if (input.img2img() || input.inpaint() || input.instruct()) && p.vaeEncoder == nil {
		return nil, fmt.Errorf("%w: no VAE encoder available for image-conditioned sampling", backends.ErrResourceMissing)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: image count must be positive", backends.ErrShapeMismatch)
	}

	hiddenStates, err := p.hiddenStatesFor(ctx, input)
	if err != nil {
		return nil, err
	}

	src := rng.New(input.Seed)

	var strength *float64
	if input.Strength != nil {
		s := float64(*input.Strength)
		strength = &s
	}
	schedCfg := schedulers.DefaultConfig(input.StepCount)
	schedCfg.Strength = strength

	scheds := make([]schedulers.Scheduler, count)
	for i := range scheds {
		scheds[i] = newScheduler(input.Scheduler, schedCfg)
	}

	latents, extraPerCopy, err := p.initialLatents(ctx, input, count, src, scheds)
	if err != nil {
		return nil, err
	}

	if err := p.runDenoisingLoop(ctx, input, latents, extraPerCopy, hiddenStates, scheds, progress); err != nil {
		if err == errCancelled {
			recordCancellation()
			return nil, nil
		}
		return nil, err
	}

	if p.reduceMemory {
		for _, m := range p.unetModels {
			if err := m.Unload(ctx); err != nil {
				return nil, err
			}
			recordModelUnload(m.Name())
		}
	}

	return p.decodeAndCheck(ctx, latents, input, disableSafety)
}

// hiddenStatesFor returns the batched encoder_hidden_states tensor for
// input's prompt pair, serving it from the single-slot cache when the
// exact (prompt, negativePrompt, instruct) triple was just computed.
func (p *Pipeline) hiddenStatesFor(ctx context.Context, input SampleInput) (*tensor.Tensor, error) {
	instruct := input.instruct()
	if cached := p.hiddenCache.get(input.Prompt, input.NegativePrompt, instruct); cached != nil {
		return cached, nil
	}

	var texts []string
	if instruct {
		// order: positive, negative, negative — paired with the
		// [image, image, zero] latent stack in the sampling loop.
		texts = []string{input.Prompt, input.NegativePrompt, input.NegativePrompt}
	} else {
		texts = []string{input.NegativePrompt, input.Prompt}
	}

	hidden, err := p.textEncoder.EncodeBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(hidden.Shape) == 3 {
		// [B,L,E] -> [B,E,1,L], the layout the U-Net's hidden-state input takes.
		b, l, e := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2]
		hidden = tensor.Reshape(tensor.Permute(hidden, []int{0, 2, 1}), []int{b, e, 1, l})
	}
	recordInference("text_encoder")
	if p.reduceMemory {
		if err := p.textEncoderModel().Unload(ctx); err != nil {
			return nil, err
		}
		recordModelUnload(p.textEncoderModel().Name())
	}

	p.hiddenCache.set(input.Prompt, input.NegativePrompt, instruct, hidden)
	return hidden, nil
}

// textEncoderModel returns the raw ManagedModel behind p.textEncoder so
// the resource policy can unload it without the TextEncoder wrapper
// needing to expose that plumbing itself.
func (p *Pipeline) textEncoderModel() *backends.ManagedModel {
	return p.namedModel("text_encoder")
}

func (p *Pipeline) namedModel(name string) *backends.ManagedModel {
	for _, m := range p.otherModels {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func newScheduler(kind SchedulerKind, cfg schedulers.Config) schedulers.Scheduler {
	if kind == SchedulerDPMSolverPP {
		return schedulers.NewDPMSolverPP(cfg)
	}
	return schedulers.NewPLMS(cfg)
}

// initialLatents draws each image's starting latent and, for
// image-conditioned modes, precomputes the per-copy extra channels that
// get concatenated onto the evolving latent at every timestep.
func (p *Pipeline) initialLatents(ctx context.Context, input SampleInput, count int, src *rng.Source, scheds []schedulers.Scheduler) ([]*tensor.Tensor, [][]*tensor.Tensor, error) {
	latents := make([]*tensor.Tensor, count)
	extraPerCopy := make([][]*tensor.Tensor, count)

	var maskLatent, maskedImageLatent, imageLatent *tensor.Tensor
	switch {
	case input.inpaint():
		var err error
		maskLatent, maskedImageLatent, err = p.encodeInpaintChannels(ctx, input, src)
		if err != nil {
			return nil, nil, err
		}
	case input.instruct():
		var err error
		imageLatent, err = p.encodeInstructImage(ctx, input, src)
		if err != nil {
			return nil, nil, err
		}
	}

	for i := 0; i < count; i++ {
		noise := tensor.New(1, 4, p.latentHeight, p.latentWidth)
		src.Fill(noise.Data)
		noise = tensor.Scale(noise, scheds[i].InitNoiseSigma())

		latent := noise
		if input.img2img() {
			// Inpainting and instruct-pix2pix always start from pure
			// noise at full strength; only plain image-to-image partially
			// noises the encoded init image.
			imgLatent, err := p.vaeEncoder.Encode(ctx, imageio.ToTensor(input.InitImage, p.pixelWidth, p.pixelHeight, imageio.RangeSignedUnit), vae.DefaultScaleFactor, src.Normal)
			if err != nil {
				return nil, nil, err
			}
			recordInference("vae_encoder")
			latent = scheds[i].AddNoise(imgLatent, noise)
		}
		latents[i] = latent

		switch {
		case input.inpaint():
			extraPerCopy[i] = []*tensor.Tensor{maskedImageLatent, maskLatent}
		case input.instruct():
			extraPerCopy[i] = []*tensor.Tensor{imageLatent}
		}
	}

	if p.reduceMemory && p.vaeEncoder != nil && (input.img2img() || input.inpaint() || input.instruct()) {
		if err := p.vaeEncoderModel().Unload(ctx); err != nil {
			return nil, nil, err
		}
		recordModelUnload(p.vaeEncoderModel().Name())
	}

	return latents, extraPerCopy, nil
}

func (p *Pipeline) vaeEncoderModel() *backends.ManagedModel {
	return p.namedModel("vae_encoder")
}

// encodeInpaintChannels derives the two extra channels an inpainting U-Net
// concatenates onto every latent copy: the resized mask itself at latent
// resolution, and the VAE-encoded init image with the masked-out region
// zeroed at pixel resolution before encoding.
func (p *Pipeline) encodeInpaintChannels(ctx context.Context, input SampleInput, src *rng.Source) (maskLatent, maskedImageLatent *tensor.Tensor, err error) {
	pixelMask := imageio.Resize(input.InpaintMask, p.pixelWidth, p.pixelHeight)
	keepMask := imageio.AlphaTensor(pixelMask)

	initPixels := imageio.ToTensor(input.InitImage, p.pixelWidth, p.pixelHeight, imageio.RangeSignedUnit)
	maskedPixels := tensor.MulBroadcastChannel(initPixels, keepMask)

	maskedImageLatent, err = p.vaeEncoder.Encode(ctx, maskedPixels, vae.DefaultScaleFactor, src.Normal)
	if err != nil {
		return nil, nil, err
	}
	recordInference("vae_encoder")

	latentMask := imageio.Resize(input.InpaintMask, p.latentWidth, p.latentHeight)
	maskLatent = imageio.AlphaTensor(latentMask)

	return maskLatent, maskedImageLatent, nil
}

// encodeInstructImage VAE-encodes the init image at unit scale (not
// vae.DefaultScaleFactor) for instruct-pix2pix's image-conditioning
// channel.
func (p *Pipeline) encodeInstructImage(ctx context.Context, input SampleInput, src *rng.Source) (*tensor.Tensor, error) {
	pixels := imageio.ToTensor(input.InitImage, p.pixelWidth, p.pixelHeight, imageio.RangeSignedUnit)
	latent, err := p.vaeEncoder.Encode(ctx, pixels, 1.0, src.Normal)
	if err != nil {
		return nil, err
	}
	recordInference("vae_encoder")
	return latent, nil
}

var errCancelled = fmt.Errorf("cancelled by progress callback")

// runDenoisingLoop walks every scheduler's timestep list in lockstep,
// predicting and applying noise for every image at each timestep. It
// returns errCancelled as soon as progress returns false.
func (p *Pipeline) runDenoisingLoop(ctx context.Context, input SampleInput, latents []*tensor.Tensor, extraPerCopy [][]*tensor.Tensor, hiddenStates *tensor.Tensor, scheds []schedulers.Scheduler, progress ProgressFunc) error {
	steps := scheds[0].TimeSteps()

	for stepIdx, t := range steps {
		for i, latent := range latents {
			output, err := p.predictGuidedNoise(ctx, input, latent, extraPerCopy[i], t, hiddenStates)
			if err != nil {
				return err
			}
			latents[i] = scheds[i].Step(output, t, latent)
		}

		if progress != nil && !progress(stepIdx+1) {
			return errCancelled
		}
	}
	return nil
}

// predictGuidedNoise concatenates any extra channels onto latent, runs the
// U-Net once over the batch of CFG/instruct copies, and combines the outputs into
// a single guided noise prediction.
func (p *Pipeline) predictGuidedNoise(ctx context.Context, input SampleInput, latent *tensor.Tensor, extra []*tensor.Tensor, t int, hiddenStates *tensor.Tensor) (*tensor.Tensor, error) {
	batch := p.buildLatentBatch(input, latent, extra)

	var residuals *controlnet.Residuals
	if p.controlNet != nil && p.controlNet.Active() {
		var err error
		residuals, err = p.controlNet.PredictResiduals(ctx, batch, t, hiddenStates)
		if err != nil {
			return nil, err
		}
		recordInference("controlnet")
	}

	outputs, err := p.unet.PredictNoise(ctx, batch, t, hiddenStates, residuals)
	if err != nil {
		return nil, err
	}
	for _, m := range p.unetModels {
		recordInference(m.Name())
	}

	return p.combineGuidance(input, outputs), nil
}

// buildLatentBatch returns the per-copy latent tensors the U-Net expects
// this timestep, in the same order EncodeBatch produced hiddenStates: for
// default sampling, [copy, copy] (identical, CFG splits only via
// hiddenStates); for inpainting the mask/masked-image channels are
// concatenated onto each copy; for instruct-pix2pix the image-latent
// channel is concatenated onto two copies and an all-zero image channel
// onto the third.
func (p *Pipeline) buildLatentBatch(input SampleInput, latent *tensor.Tensor, extra []*tensor.Tensor) []*tensor.Tensor {
	switch {
	case input.inpaint():
		maskedImageLatent, maskLatent := extra[0], extra[1]
		withExtra := tensor.Concat(1, latent, maskLatent, maskedImageLatent)
		return []*tensor.Tensor{withExtra, withExtra}
	case input.instruct():
		imageLatent := extra[0]
		withImage := tensor.Concat(1, latent, imageLatent)
		zeroImage := tensor.Zeros(imageLatent.Shape...)
		withZero := tensor.Concat(1, latent, zeroImage)
		return []*tensor.Tensor{withImage, withImage, withZero}
	default:
		return []*tensor.Tensor{latent, latent}
	}
}

// combineGuidance applies classifier-free (and, for instruct-pix2pix,
// image) guidance to the U-Net's per-copy noise predictions.
func (p *Pipeline) combineGuidance(input SampleInput, outputs []*tensor.Tensor) *tensor.Tensor {
	if input.instruct() {
		text, imgCond, neg := outputs[0], outputs[1], outputs[2]
		out := tensor.AddScaled(neg, input.GuidanceScale, tensor.Sub(text, imgCond))
		out = tensor.AddScaled(out, *input.ImageGuidanceScale, tensor.Sub(imgCond, neg))
		return out
	}
	neg, text := outputs[0], outputs[1]
	return tensor.AddScaled(neg, input.GuidanceScale, tensor.Sub(text, neg))
}

// decodeAndCheck VAE-decodes every final latent and, unless disabled,
// replaces any image the safety checker flags with nil.
func (p *Pipeline) decodeAndCheck(ctx context.Context, latents []*tensor.Tensor, input SampleInput, disableSafety bool) ([]*image.RGBA, error) {
	out := make([]*image.RGBA, len(latents))
	for i, latent := range latents {
		pixels, err := p.vaeDecoder.Decode(ctx, latent, vae.DefaultScaleFactor)
		if err != nil {
			return nil, err
		}
		recordInference("vae_decoder")
		out[i] = imageio.FromTensor(pixels)
	}

	if p.reduceMemory {
		if err := p.vaeDecoderModel().Unload(ctx); err != nil {
			return nil, err
		}
		recordModelUnload(p.vaeDecoderModel().Name())
	}

	if disableSafety || p.safety == nil {
		return out, nil
	}
	for i, img := range out {
		if img == nil {
			continue
		}
		safe, err := p.safety.IsSafe(ctx, img, p.pixelWidth, p.pixelHeight)
		if err != nil {
			return nil, err
		}
		if !safe {
			out[i] = nil
			recordSafetyRejection()
		}
	}
	if p.reduceMemory {
		if m := p.namedModel("safety_checker"); m != nil {
			if err := m.Unload(ctx); err != nil {
				return nil, err
			}
			recordModelUnload(m.Name())
		}
	}
	return out, nil
}

func (p *Pipeline) vaeDecoderModel() *backends.ManagedModel {
	return p.namedModel("vae_decoder")
}

// Close unloads every model this Pipeline holds.
func (p *Pipeline) Close(ctx context.Context) error {
	var firstErr error
	unloadAll := func(models []*backends.ManagedModel) {
		for _, m := range models {
			if err := m.Unload(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	unloadAll(p.unetModels)
	unloadAll(p.otherModels)
	if firstErr != nil {
		p.logger.Warn("error closing pipeline", zap.Error(firstErr))
	}
	return firstErr
}
