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

import "strings"

// Mock is a deterministic Tokenizer for tests: it assigns each distinct
// whitespace-separated word an id of 3 plus its position in a running
// vocabulary, with fixed 0/1/2 for pad/bos/eos.
type Mock struct {
	vocab map[string]int64
}

// NewMock returns a ready-to-use Mock tokenizer.
func NewMock() *Mock {
	return &Mock{vocab: map[string]int64{}}
}

// Encode implements Tokenizer.
func (m *Mock) Encode(text string, maxLength int) (Encoding, error) {
	words := strings.Fields(text)
	body := make([]int64, len(words))
	for i, w := range words {
		id, ok := m.vocab[w]
		if !ok {
			id = int64(len(m.vocab)) + 3
			m.vocab[w] = id
		}
		body[i] = id
	}
	const bosID, eosID, padID = 1, 2, 0
	return padTruncate(body, maxLength, bosID, eosID, padID), nil
}
