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

package textencoder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
	"github.com/kilnrt/kiln/pkg/kiln/lib/tokenizer"
)

func newTestEncoder(t *testing.T) (*TextEncoder, *backends.MockRunner) {
	t.Helper()
	mock := backends.NewMockRunner(
		[]backends.TensorInfo{{Name: inputIDsName}, {Name: attentionMaskName}},
		[]backends.TensorInfo{{Name: hiddenStateName, Shape: []int{1, 8, 4}}},
		nil,
	)
	model := backends.NewManagedModel("text_encoder", "/x", backends.MockFactory(mock), nil, nil)
	return New(model, tokenizer.NewMock(), 8), mock
}

func TestEncodeReturnsHiddenState(t *testing.T) {
	e, _ := newTestEncoder(t)
	out, err := e.Encode(context.Background(), "a photo of a cat")
	require.NoError(t, err)
	require.Equal(t, []int{1, 8, 4}, out.Shape)
}

func TestEncodeCallsRunOncePerCall(t *testing.T) {
	e, mock := newTestEncoder(t)
	_, err := e.Encode(context.Background(), "a photo")
	require.NoError(t, err)
	_, err = e.Encode(context.Background(), "a photo")
	require.NoError(t, err)
	require.EqualValues(t, 2, mock.CallCount())
}

func TestEncodeFallsBackToSoleOutputWhenUnnamed(t *testing.T) {
	mock := backends.NewMockRunner(
		nil,
		[]backends.TensorInfo{{Name: "unexpected_name", Shape: []int{1, 8, 4}}},
		nil,
	)
	model := backends.NewManagedModel("text_encoder", "/x", backends.MockFactory(mock), nil, nil)
	e := New(model, tokenizer.NewMock(), 8)

	out, err := e.Encode(context.Background(), "a photo")
	require.NoError(t, err)
	require.Equal(t, []int{1, 8, 4}, out.Shape)
}

func TestEncodeTokenizationFailure(t *testing.T) {
	mock := backends.NewMockRunner(nil, []backends.TensorInfo{{Name: hiddenStateName, Shape: []int{1}}}, nil)
	model := backends.NewManagedModel("text_encoder", "/x", backends.MockFactory(mock), nil, nil)
	e := New(model, failingTokenizer{}, 8)

	_, err := e.Encode(context.Background(), "anything")
	require.ErrorIs(t, err, backends.ErrTokenizationFailed)
}

func TestEncodeBatchStacksAllTextsInOneCall(t *testing.T) {
	mock := backends.NewMockRunner(nil, nil, func(inputs []tensor.Named) ([]tensor.Named, error) {
		batch := inputs[0].Tensor.Shape[0]
		return []tensor.Named{{Name: hiddenStateName, Tensor: tensor.New(batch, 8, 4)}}, nil
	})
	model := backends.NewManagedModel("text_encoder", "/x", backends.MockFactory(mock), nil, nil)
	e := New(model, tokenizer.NewMock(), 8)

	out, err := e.EncodeBatch(context.Background(), []string{"a photo", "a photo", "a photo"})
	require.NoError(t, err)
	require.Equal(t, []int{3, 8, 4}, out.Shape)
	require.EqualValues(t, 1, mock.CallCount())
}

type failingTokenizer struct{}

func (failingTokenizer) Encode(string, int) (tokenizer.Encoding, error) {
	return tokenizer.Encoding{}, assertErr
}

var assertErr = errors.New("tokenizer: boom")
