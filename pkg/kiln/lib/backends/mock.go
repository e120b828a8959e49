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

import (
	"context"
	"sync/atomic"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// MockRunner is a deterministic stand-in for a real backend, used by the
// pipeline's own tests and by anything downstream that wants to exercise
// the orchestration logic without a resource directory or an inference
// engine on the test machine (spec §8).
type MockRunner struct {
	inputs  []TensorInfo
	outputs []TensorInfo

	// Fn computes outputs for a given call; if nil, Run returns zero-filled
	// tensors shaped per the declared outputs.
	Fn func(inputs []tensor.Named) ([]tensor.Named, error)

	calls int64
}

// NewMockRunner builds a MockRunner that declares the given input/output
// shapes and computes results with fn. A nil fn produces zero-filled
// outputs shaped per outputs.
func NewMockRunner(inputs, outputs []TensorInfo, fn func([]tensor.Named) ([]tensor.Named, error)) *MockRunner {
	return &MockRunner{inputs: inputs, outputs: outputs, Fn: fn}
}

// Run implements Runner.
func (r *MockRunner) Run(_ context.Context, inputs []tensor.Named) ([]tensor.Named, error) {
	atomic.AddInt64(&r.calls, 1)
	if r.Fn != nil {
		return r.Fn(inputs)
	}
	out := make([]tensor.Named, len(r.outputs))
	for i, info := range r.outputs {
		out[i] = tensor.Named{Name: info.Name, Tensor: tensor.New(info.Shape...)}
	}
	return out, nil
}

// InputInfo implements Runner.
func (r *MockRunner) InputInfo() []TensorInfo { return r.inputs }

// OutputInfo implements Runner.
func (r *MockRunner) OutputInfo() []TensorInfo { return r.outputs }

// Close implements Runner.
func (r *MockRunner) Close() error { return nil }

// CallCount returns the number of times Run has been invoked, used by
// tests asserting cache coherence (spec §8 invariant 7) and cancellation
// behavior (invariant 9).
func (r *MockRunner) CallCount() int64 { return atomic.LoadInt64(&r.calls) }

// MockFactory returns a RunnerFactory that always hands back runner,
// ignoring path and opts. Useful for wiring a ManagedModel straight to a
// MockRunner in tests without registering a whole backend.
func MockFactory(runner Runner) RunnerFactory {
	return func(string, ...LoadOption) (Runner, error) {
		return runner, nil
	}
}
