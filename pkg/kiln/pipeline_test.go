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
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/rng"
	"github.com/kilnrt/kiln/pkg/kiln/lib/safety"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
	"github.com/kilnrt/kiln/pkg/kiln/lib/textencoder"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tokenizer"
	"github.com/kilnrt/kiln/pkg/kiln/lib/unet"
	"github.com/kilnrt/kiln/pkg/kiln/lib/vae"
)

const (
	testLatentHeight = 8
	testLatentWidth  = 8
)

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	return img
}

func newTextEncoderModel() (*backends.ManagedModel, *backends.MockRunner) {
	runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		var ids *tensor.Tensor
		for _, n := range in {
			if n.Name == "input_ids" {
				ids = n.Tensor
			}
		}
		batch := ids.Shape[0]
		return []tensor.Named{{Name: "last_hidden_state", Tensor: tensor.New(batch, 8, 4)}}, nil
	})
	model := backends.NewManagedModel("text_encoder", "/x", backends.MockFactory(runner), nil, zap.NewNop())
	return model, runner
}

func newVAEDecoderModel() (*backends.ManagedModel, *backends.MockRunner) {
	runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: "sample", Tensor: tensor.New(1, 3, testLatentHeight*8, testLatentWidth*8)}}, nil
	})
	model := backends.NewManagedModel("vae_decoder", "/x", backends.MockFactory(runner), nil, zap.NewNop())
	return model, runner
}

func newVAEEncoderModel() (*backends.ManagedModel, *backends.MockRunner) {
	runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: "latent_sample", Tensor: tensor.New(1, 8, testLatentHeight, testLatentWidth)}}, nil
	})
	model := backends.NewManagedModel("vae_encoder", "/x", backends.MockFactory(runner), nil, zap.NewNop())
	return model, runner
}

// newUnetModel returns a U-Net ManagedModel whose Run always predicts
// zero noise, echoing the sample's own shape and batch size.
func newUnetModel() (*backends.ManagedModel, *backends.MockRunner) {
	runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		var sample *tensor.Tensor
		for _, n := range in {
			if n.Name == "sample" {
				sample = n.Tensor
			}
		}
		return []tensor.Named{{Name: "out_sample", Tensor: tensor.New(sample.Shape...)}}, nil
	})
	model := backends.NewManagedModel("unet", "/x", backends.MockFactory(runner), nil, zap.NewNop())
	return model, runner
}

func newSafetyModel(unsafe bool) *backends.ManagedModel {
	verdict := float32(0)
	if unsafe {
		verdict = 1
	}
	runner := backends.NewMockRunner(nil, nil, func(in []tensor.Named) ([]tensor.Named, error) {
		return []tensor.Named{{Name: "has_nsfw_concepts", Tensor: tensor.FromData([]float32{verdict}, 1)}}, nil
	})
	return backends.NewManagedModel("safety_checker", "/x", backends.MockFactory(runner), nil, zap.NewNop())
}

// testPipeline bundles a hand-built Pipeline with the mock runners behind
// its models, so tests can assert call counts without reaching back
// through ManagedModel's own abstraction.
type testPipeline struct {
	*Pipeline
	teModel      *backends.ManagedModel
	vaeDecModel  *backends.ManagedModel
	unetModel    *backends.ManagedModel
	teRunner     *backends.MockRunner
	vaeDecRunner *backends.MockRunner
	unetRunner   *backends.MockRunner
}

// newTestPipeline builds a Pipeline directly from mock models, bypassing
// NewPipeline's resource-directory discovery entirely.
func newTestPipeline(t *testing.T, reduceMemory bool) *testPipeline {
	t.Helper()

	teModel, teRunner := newTextEncoderModel()
	vaeDecModel, vaeDecRunner := newVAEDecoderModel()
	unetModel, unetRunner := newUnetModel()

	p := &Pipeline{
		logger:       zap.NewNop(),
		unetModels:   []*backends.ManagedModel{unetModel},
		otherModels:  []*backends.ManagedModel{teModel, vaeDecModel},
		tokenizer:    tokenizer.NewMock(),
		textEncoder:  textencoder.New(teModel, tokenizer.NewMock(), 8),
		vaeDecoder:   vae.NewDecoder(vaeDecModel),
		unet:         unet.NewSingle(unetModel),
		latentHeight: testLatentHeight,
		latentWidth:  testLatentWidth,
		pixelHeight:  testLatentHeight * 8,
		pixelWidth:   testLatentWidth * 8,
		hiddenCache:  newHiddenStateCache(),
		reduceMemory: reduceMemory,
	}
	return &testPipeline{
		Pipeline:     p,
		teModel:      teModel,
		vaeDecModel:  vaeDecModel,
		unetModel:    unetModel,
		teRunner:     teRunner,
		vaeDecRunner: vaeDecRunner,
		unetRunner:   unetRunner,
	}
}

func basicInput() SampleInput {
	return SampleInput{
		Prompt:         "a red bicycle",
		NegativePrompt: "blurry",
		Seed:           42,
		StepCount:      6,
		GuidanceScale:  7.5,
	}
}

func TestGenerateImages_ReturnsOneImagePerRequestedCount(t *testing.T) {
	tp := newTestPipeline(t, false)

	images, err := tp.GenerateImages(context.Background(), basicInput(), 2, true, nil)
	require.NoError(t, err)
	require.Len(t, images, 2)
	for _, img := range images {
		require.NotNil(t, img)
	}
}

func TestGenerateImages_SingleTextEncoderCallRegardlessOfImageCount(t *testing.T) {
	tp := newTestPipeline(t, false)

	_, err := tp.GenerateImages(context.Background(), basicInput(), 3, true, nil)
	require.NoError(t, err)

	require.EqualValues(t, 1, tp.teRunner.CallCount(), "the text encoder must be called exactly once regardless of image count")
}

func TestHiddenStateCacheServesRepeatedPromptPairWithoutRecomputing(t *testing.T) {
	tp := newTestPipeline(t, false)
	input := basicInput()

	hiddenFirst, err := tp.hiddenStatesFor(context.Background(), input)
	require.NoError(t, err)

	hiddenSecond, err := tp.hiddenStatesFor(context.Background(), input)
	require.NoError(t, err)

	require.Same(t, hiddenFirst, hiddenSecond, "identical (prompt, negativePrompt, instruct) must be served from the single-slot cache")
	require.EqualValues(t, 1, tp.teRunner.CallCount())
}

func TestHiddenStateCacheDistinguishesInstructMode(t *testing.T) {
	tp := newTestPipeline(t, false)
	input := basicInput()
	imgGuidance := float32(1.5)
	input.InitImage = solidImage(testLatentWidth*8, testLatentHeight*8)

	standard, err := tp.hiddenStatesFor(context.Background(), input)
	require.NoError(t, err)

	instructInput := input
	instructInput.ImageGuidanceScale = &imgGuidance
	instruct, err := tp.hiddenStatesFor(context.Background(), instructInput)
	require.NoError(t, err)

	require.NotEqual(t, standard.Shape, instruct.Shape, "instruct mode batches three texts, not two")
}

func TestGenerateImages_ReduceMemoryUnloadsEveryModelByTheEnd(t *testing.T) {
	tp := newTestPipeline(t, true)

	_, err := tp.GenerateImages(context.Background(), basicInput(), 1, true, nil)
	require.NoError(t, err)

	require.Equal(t, backends.Unloaded, tp.teModel.State())
	require.Equal(t, backends.Unloaded, tp.unetModel.State())
	require.Equal(t, backends.Unloaded, tp.vaeDecModel.State())
}

func TestGenerateImages_CancellationStopsAtExactStepCountWithoutError(t *testing.T) {
	tp := newTestPipeline(t, false)
	input := basicInput()
	input.StepCount = 30

	var stepsSeen int
	progress := func(step int) bool {
		stepsSeen = step
		return step < 10
	}

	images, err := tp.GenerateImages(context.Background(), input, 1, true, progress)
	require.NoError(t, err)
	require.Nil(t, images)
	require.Equal(t, 10, stepsSeen)
	require.EqualValues(t, 10, tp.unetRunner.CallCount())
}

func TestGenerateImages_SafetyRejectionNullsImageWithoutError(t *testing.T) {
	tp := newTestPipeline(t, false)
	safetyModel := newSafetyModel(true)
	tp.safety = safety.New(safetyModel)
	tp.otherModels = append(tp.otherModels, safetyModel)

	images, err := tp.GenerateImages(context.Background(), basicInput(), 1, false, nil)
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Nil(t, images[0], "an unsafe image is nil at its index, not an error")
}

func TestSampleInputValidate_StrengthOutOfRange(t *testing.T) {
	s := float32(1.5)
	input := basicInput()
	input.Strength = &s
	require.ErrorIs(t, input.validate(), backends.ErrShapeMismatch)
}

func TestSampleInputValidate_InpaintMaskRequiresInitImage(t *testing.T) {
	input := basicInput()
	input.InpaintMask = solidImage(4, 4)
	require.ErrorIs(t, input.validate(), backends.ErrShapeMismatch)
}

func TestSampleInputValidate_InpaintMaskAndStrengthMutuallyExclusive(t *testing.T) {
	s := float32(0.5)
	input := basicInput()
	input.InitImage = solidImage(4, 4)
	input.InpaintMask = solidImage(4, 4)
	input.Strength = &s
	require.ErrorIs(t, input.validate(), backends.ErrShapeMismatch)
}

func TestSampleInputValidate_ImageGuidanceScaleRequiresInitImage(t *testing.T) {
	g := float32(1.5)
	input := basicInput()
	input.ImageGuidanceScale = &g
	require.ErrorIs(t, input.validate(), backends.ErrShapeMismatch)
}

// transparentRegionMask is opaque (alpha=255) on the left half and
// transparent (alpha=0) on the right half.
func transparentRegionMask(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if x >= w/2 {
				a = 0
			}
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: a})
		}
	}
	return img
}

// TestEncodeInpaintChannelsMaskMatchesAlphaPolarity pins spec.md's "opaque =
// retain" convention: the mask channel handed to the U-Net must equal the
// mask image's own alpha values directly, never inverted. An opaque pixel
// (alpha=255) means "keep this region as-is", so it must produce a mask
// value near 1, not near 0.
func TestEncodeInpaintChannelsMaskMatchesAlphaPolarity(t *testing.T) {
	vaeEncModel, _ := newVAEEncoderModel()
	p := &Pipeline{
		logger:       zap.NewNop(),
		vaeEncoder:   vae.NewEncoder(vaeEncModel),
		latentHeight: testLatentHeight,
		latentWidth:  testLatentWidth,
		pixelHeight:  testLatentHeight * 8,
		pixelWidth:   testLatentWidth * 8,
	}
	input := basicInput()
	input.InitImage = solidImage(p.pixelWidth, p.pixelHeight)
	input.InpaintMask = transparentRegionMask(p.pixelWidth, p.pixelHeight)

	src := rng.New(input.Seed)
	maskLatent, _, err := p.encodeInpaintChannels(context.Background(), input, src)
	require.NoError(t, err)

	require.Equal(t, []int{1, 1, testLatentHeight, testLatentWidth}, maskLatent.Shape)
	left := maskLatent.Data[0]
	right := maskLatent.Data[testLatentWidth-1]
	require.InDelta(t, 1.0, left, 1e-2, "an opaque (retained) region must map to a mask value near 1")
	require.InDelta(t, 0.0, right, 1e-2, "a transparent (inpainted) region must map to a mask value near 0")
}
