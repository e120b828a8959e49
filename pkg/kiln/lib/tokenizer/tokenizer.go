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

// Package tokenizer treats prompt tokenization as an opaque, swappable
// concern: everything upstream of the text encoder only needs an ordered
// list of ids and an attention mask padded/truncated to a fixed length.
package tokenizer

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
	"go.uber.org/zap"
)

// Encoding is the fixed-length result of tokenizing one string: ids and an
// attention mask of equal length, plus whether truncation occurred.
type Encoding struct {
	IDs       []int64
	Mask      []int64
	Truncated bool
}

// Tokenizer is the opaque interface the text encoder depends on. The
// algorithm behind it (byte-pair encoding, WordPiece, SentencePiece, ...)
// is not this module's concern.
type Tokenizer interface {
	// Encode tokenizes text to exactly maxLength ids, padding with the
	// tokenizer's pad id or truncating from the end as needed.
	Encode(text string, maxLength int) (Encoding, error)
}

// BPE is the default production Tokenizer: a byte-level BPE model loaded
// from a vocab.json/merges.txt pair, the format CLIP-family text encoders
// ship with (spec.md §6).
type BPE struct {
	tk     *tokenizer.Tokenizer
	padID  int64
	bosID  int64
	eosID  int64
	logger *zap.Logger
}

// NewBPE builds a BPE tokenizer from a vocab.json/merges.txt pair.
// bosToken/eosToken/padToken are looked up in the vocabulary to seed the
// sequence's start/end/pad ids; logger may be nil.
func NewBPE(vocabPath, mergesPath string, bosToken, eosToken, padToken string, logger *zap.Logger) (*BPE, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := bpe.NewBpeFromFiles(vocabPath, mergesPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPE model from %s/%s: %w", vocabPath, mergesPath, err)
	}

	tk := tokenizer.NewTokenizer(model)
	byteLevel := pretokenizer.NewByteLevel()
	tk.WithPreTokenizer(byteLevel)
	tk.WithDecoder(byteLevel)

	bosID, ok := tk.TokenToId(bosToken)
	if !ok {
		return nil, fmt.Errorf("tokenizer: start token %q not in vocabulary", bosToken)
	}
	eosID, ok := tk.TokenToId(eosToken)
	if !ok {
		return nil, fmt.Errorf("tokenizer: end token %q not in vocabulary", eosToken)
	}
	padID, ok := tk.TokenToId(padToken)
	if !ok {
		padID = eosID
	}

	return &BPE{tk: tk, padID: int64(padID), bosID: int64(bosID), eosID: int64(eosID), logger: logger.Named("tokenizer")}, nil
}

// Encode implements Tokenizer. Truncation past maxLength is logged, not
// returned as an error (spec.md §7): the truncated prefix is simply what
// gets embedded.
func (b *BPE) Encode(text string, maxLength int) (Encoding, error) {
	enc, err := b.tk.EncodeSingle(text)
	if err != nil {
		return Encoding{}, fmt.Errorf("tokenizing %q: %w", text, err)
	}

	body := make([]int64, len(enc.Ids))
	for i, id := range enc.Ids {
		body[i] = int64(id)
	}

	result := padTruncate(body, maxLength, b.bosID, b.eosID, b.padID)
	if result.Truncated {
		b.logger.Warn("prompt truncated to fit model sequence length",
			zap.Int("maxLength", maxLength), zap.Int("originalTokenCount", len(body)+2))
	}
	return result, nil
}

// padTruncate wraps body with bosID/eosID, then pads with padID or
// truncates from the end to fit exactly maxLength — the pure arithmetic
// behind Encode, factored out so it can be tested without a real
// vocabulary.
func padTruncate(body []int64, maxLength int, bosID, eosID, padID int64) Encoding {
	ids := make([]int64, 0, maxLength)
	ids = append(ids, bosID)
	ids = append(ids, body...)
	ids = append(ids, eosID)

	truncated := false
	if len(ids) > maxLength {
		truncated = true
		ids = ids[:maxLength]
		ids[maxLength-1] = eosID
	}

	mask := make([]int64, maxLength)
	for i := range mask {
		if i < len(ids) {
			mask[i] = 1
		}
	}
	for len(ids) < maxLength {
		ids = append(ids, padID)
	}

	return Encoding{IDs: ids, Mask: mask, Truncated: truncated}
}
