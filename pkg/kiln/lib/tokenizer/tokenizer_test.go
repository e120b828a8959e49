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

package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPadTruncatePadsShortSequence(t *testing.T) {
	enc := padTruncate([]int64{10, 11}, 6, 1, 2, 0)
	require.Equal(t, []int64{1, 10, 11, 2, 0, 0}, enc.IDs)
	require.Equal(t, []int64{1, 1, 1, 1, 0, 0}, enc.Mask)
	require.False(t, enc.Truncated)
}

func TestPadTruncateTruncatesLongSequence(t *testing.T) {
	enc := padTruncate([]int64{10, 11, 12, 13, 14}, 4, 1, 2, 0)
	require.Len(t, enc.IDs, 4)
	require.Equal(t, int64(2), enc.IDs[3], "the final slot must always be the end token")
	require.True(t, enc.Truncated)
	require.Equal(t, []int64{1, 1, 1, 1}, enc.Mask)
}

func TestPadTruncateExactFit(t *testing.T) {
	enc := padTruncate([]int64{10, 11}, 4, 1, 2, 0)
	require.Equal(t, []int64{1, 10, 11, 2}, enc.IDs)
	require.False(t, enc.Truncated)
}

func TestMockEncodeIsDeterministic(t *testing.T) {
	m := NewMock()
	a, err := m.Encode("a photo of a cat", 10)
	require.NoError(t, err)

	m2 := NewMock()
	b, err := m2.Encode("a photo of a cat", 10)
	require.NoError(t, err)

	require.Equal(t, a, b)
}

func TestMockEncodeReusesWordIDs(t *testing.T) {
	m := NewMock()
	enc, err := m.Encode("a a a", 6)
	require.NoError(t, err)
	require.Equal(t, enc.IDs[1], enc.IDs[2])
	require.Equal(t, enc.IDs[2], enc.IDs[3])
}
