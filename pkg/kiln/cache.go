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
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// hiddenStateCache holds the most recently computed batched hidden-state
// tensor, keyed on the exact (prompt, negativePrompt, instruct) triple that
// produced it. It is a capacity-1 cache rather than a general map, matching
// the "single-slot LRU" identity rule for this cache: a new key simply
// evicts whatever was there before.
type hiddenStateCache struct {
	cache *ttlcache.Cache[uint64, *tensor.Tensor]
}

func newHiddenStateCache() *hiddenStateCache {
	return &hiddenStateCache{
		cache: ttlcache.New[uint64, *tensor.Tensor](ttlcache.WithCapacity[uint64, *tensor.Tensor](1)),
	}
}

// get returns the cached hidden states for (prompt, negativePrompt,
// instruct), or nil if the cache does not hold that exact key.
func (c *hiddenStateCache) get(prompt, negativePrompt string, instruct bool) *tensor.Tensor {
	item := c.cache.Get(hiddenStateCacheKey(prompt, negativePrompt, instruct))
	if item == nil {
		return nil
	}
	return item.Value()
}

// set stores hidden as the cached value for (prompt, negativePrompt,
// instruct), evicting whatever the single slot held before.
func (c *hiddenStateCache) set(prompt, negativePrompt string, instruct bool, hidden *tensor.Tensor) {
	c.cache.Set(hiddenStateCacheKey(prompt, negativePrompt, instruct), hidden, ttlcache.NoTTL)
}

// hiddenStateCacheKey hashes the triple identifying one batched
// hidden-state tensor. instruct is folded into the key alongside the
// (prompt, negativePrompt) pair the cache identity rule names, because the
// same prompt pair produces a differently shaped and ordered batch
// depending on mode (spec.md's default vs. instruct concatenation order);
// serving one mode's cached tensor to the other would silently mispackage
// the U-Net's hidden-states input.
func hiddenStateCacheKey(prompt, negativePrompt string, instruct bool) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(prompt)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(negativePrompt)
	_, _ = h.WriteString("\x00")
	if instruct {
		_, _ = h.WriteString("1")
	} else {
		_, _ = h.WriteString("0")
	}
	return h.Sum64()
}
