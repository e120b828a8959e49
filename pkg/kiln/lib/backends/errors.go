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

package backends

import "errors"

// Sentinel errors making up the error taxonomy surfaced by this package and
// wrapped by callers with errors.Join/fmt.Errorf("...: %w", ...) as they
// bubble up through the pipeline (spec §7).
var (
	// ErrResourceMissing means a required model file or resource directory
	// entry does not exist.
	ErrResourceMissing = errors.New("backends: resource missing")

	// ErrLoadFailed means a resource existed but the backend could not
	// initialize a session from it.
	ErrLoadFailed = errors.New("backends: load failed")

	// ErrInferenceFailed means a loaded model's Run call itself failed.
	ErrInferenceFailed = errors.New("backends: inference failed")

	// ErrShapeMismatch means a tensor crossing the backend boundary did not
	// match the shape the model declared at load time.
	ErrShapeMismatch = errors.New("backends: shape mismatch")

	// ErrTokenizationFailed means the tokenizer could not encode its input.
	ErrTokenizationFailed = errors.New("backends: tokenization failed")

	// ErrClosed means an operation was attempted on a closed model.
	// ManagedModel has no Close method, and nothing in this package
	// returns ErrClosed.
	ErrClosed = errors.New("backends: model closed")
)
