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

// Package textencoder turns a prompt string into the hidden-state tensor
// the U-Net conditions on, by composing a tokenizer.Tokenizer with a
// backends.ManagedModel.
package textencoder

import (
	"context"
	"fmt"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tokenizer"
)

const (
	inputIDsName      = "input_ids"
	attentionMaskName = "attention_mask"
	hiddenStateName   = "last_hidden_state"
)

// TextEncoder wraps a tokenizer and a managed model to expose a single
// Encode operation.
type TextEncoder struct {
	model     *backends.ManagedModel
	tok       tokenizer.Tokenizer
	seqLength int
}

// New builds a TextEncoder. seqLength is the model's declared maximum
// token sequence length (typically 77 for CLIP-family text encoders).
func New(model *backends.ManagedModel, tok tokenizer.Tokenizer, seqLength int) *TextEncoder {
	return &TextEncoder{model: model, tok: tok, seqLength: seqLength}
}

// Encode tokenizes text and returns its hidden-state embedding as a
// [1, seqLength, hiddenSize] tensor.
func (e *TextEncoder) Encode(ctx context.Context, text string) (*tensor.Tensor, error) {
	enc, err := e.tok.Encode(text, e.seqLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backends.ErrTokenizationFailed, err)
	}

	ids := tensor.FromData(int64ToFloat32(enc.IDs), 1, len(enc.IDs))
	mask := tensor.FromData(int64ToFloat32(enc.Mask), 1, len(enc.Mask))

	outputs, err := e.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, []tensor.Named{
			{Name: inputIDsName, Tensor: ids},
			{Name: attentionMaskName, Tensor: mask},
		})
	})
	if err != nil {
		return nil, err
	}

	hidden, ok := backends.First(outputs, hiddenStateName)
	if !ok {
		return nil, fmt.Errorf("%w: text encoder produced no usable output", backends.ErrShapeMismatch)
	}
	return hidden, nil
}

// EncodeBatch tokenizes each of texts independently and returns their
// hidden states stacked into a single [len(texts), seqLength, hiddenSize]
// tensor, computed with one backend call. The pipeline uses this instead
// of calling Encode once per text so that a classifier-free-guidance or
// instruct batch (negative+positive, or positive+negative+negative) costs
// exactly one text-encoder inference per generateImages call.
func (e *TextEncoder) EncodeBatch(ctx context.Context, texts []string) (*tensor.Tensor, error) {
	idsBatch := make([]*tensor.Tensor, len(texts))
	maskBatch := make([]*tensor.Tensor, len(texts))
	for i, text := range texts {
		enc, err := e.tok.Encode(text, e.seqLength)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", backends.ErrTokenizationFailed, err)
		}
		idsBatch[i] = tensor.FromData(int64ToFloat32(enc.IDs), 1, len(enc.IDs))
		maskBatch[i] = tensor.FromData(int64ToFloat32(enc.Mask), 1, len(enc.Mask))
	}

	outputs, err := e.model.Perform(ctx, func(r backends.Runner) ([]tensor.Named, error) {
		return r.Run(ctx, []tensor.Named{
			{Name: inputIDsName, Tensor: tensor.Concat(0, idsBatch...)},
			{Name: attentionMaskName, Tensor: tensor.Concat(0, maskBatch...)},
		})
	})
	if err != nil {
		return nil, err
	}

	hidden, ok := backends.First(outputs, hiddenStateName)
	if !ok {
		return nil, fmt.Errorf("%w: text encoder produced no usable output", backends.ErrShapeMismatch)
	}
	return hidden, nil
}

// int64ToFloat32 converts token ids to the float32 wire format every
// tensor in this pipeline uses; the host inference backend is responsible
// for casting back to its own integer dtype at the input boundary.
func int64ToFloat32(ids []int64) []float32 {
	out := make([]float32, len(ids))
	for i, id := range ids {
		out[i] = float32(id)
	}
	return out
}
