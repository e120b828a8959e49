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
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

// State is the lifecycle state of a ManagedModel.
type State int

const (
	Unloaded State = iota
	Loaded
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ManagedModel wraps a Runner with lazy loading, single-flight inference and
// an explicit lifecycle. Every network the pipeline touches (text encoder,
// U-Net, VAE encoder/decoder, ControlNet, safety checker) is held behind one
// of these so that resource-pressure decisions (spec §5's reduceMemory) can
// unload a model regardless of which wrapper is using it.
//
// The single-flight guarantee is enforced with a weighted semaphore of
// capacity one rather than a plain mutex so that Perform can respect
// context cancellation while waiting for an in-flight call to finish,
// instead of blocking uninterruptibly.
type ManagedModel struct {
	name    string
	path    string
	factory RunnerFactory
	opts    []LoadOption
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	runner Runner
	loadErr error

	sem *semaphore.Weighted
}

// NewManagedModel constructs a ManagedModel that will call factory(path,
// opts...) the first time it needs to load. logger may be nil, in which
// case a no-op logger is used.
func NewManagedModel(name, path string, factory RunnerFactory, opts []LoadOption, logger *zap.Logger) *ManagedModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManagedModel{
		name:    name,
		path:    path,
		factory: factory,
		opts:    opts,
		logger:  logger.Named(name),
		state:   Unloaded,
		sem:     semaphore.NewWeighted(1),
	}
}

// Name returns the model's logical name (e.g. "text_encoder", "unet").
func (m *ManagedModel) Name() string { return m.name }

// State returns the model's current lifecycle state.
func (m *ManagedModel) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error from the most recent failed load, or nil if
// the last load (if any) succeeded. It is a diagnostic snapshot only: a
// Failed state does not block the next load attempt.
func (m *ManagedModel) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Load loads the model if it is not already loaded, without running
// inference, and leaves it loaded. Callers use this to pay load latency up
// front, e.g. for the text encoder and U-Net at pipeline construction
// time.
func (m *ManagedModel) Load(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)
	return m.ensureLoaded()
}

// Prewarm loads the model and immediately unloads it again, so that a
// backend gets the chance to populate any on-disk compilation cache it
// keeps (e.g. a compiled-graph cache keyed by input shape) without holding
// the model's memory afterward. The next Perform or Load call reloads it,
// now hitting that warmed cache.
func (m *ManagedModel) Prewarm(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	if err := m.ensureLoaded(); err != nil {
		return err
	}

	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.state = Unloaded
	m.mu.Unlock()

	m.logger.Debug("prewarm complete, unloading")
	return runner.Close()
}

// Perform runs fn against the model's Runner, loading the model first if
// necessary. Calls are serialized: only one Perform (across all callers of
// this ManagedModel) runs at a time, matching spec §5's single-consumer
// resource model. ctx cancellation aborts a call waiting for the slot; it
// does not interrupt a call already in flight.
func (m *ManagedModel) Perform(ctx context.Context, fn func(Runner) ([]tensor.Named, error)) ([]tensor.Named, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	runner := m.runner
	m.mu.Unlock()

	out, err := fn(runner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInferenceFailed, m.name, err)
	}
	return out, nil
}

// ensureLoaded loads the runner if State is not already Loaded. A prior
// Failed state does not poison the instance: it retries the load exactly
// as it would from Unloaded, since a failed load is fatal only to the
// request that triggered it, not to subsequent requests.
func (m *ManagedModel) ensureLoaded() error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == Loaded {
		return nil
	}

	m.logger.Debug("loading model", zap.String("path", m.path))
	runner, err := m.factory(m.path, m.opts...)
	if err != nil {
		wrapped := fmt.Errorf("%w: %s: %w", ErrLoadFailed, m.name, err)
		m.mu.Lock()
		m.state = Failed
		m.loadErr = wrapped
		m.mu.Unlock()
		m.logger.Error("model load failed", zap.Error(err))
		return wrapped
	}

	m.mu.Lock()
	m.runner = runner
	m.state = Loaded
	m.loadErr = nil
	m.mu.Unlock()
	m.logger.Info("model loaded", zap.String("path", m.path))
	return nil
}

// Unload releases the underlying Runner, if any, and returns to the
// Unloaded state so the next Perform/Load call reloads it. Unload waits
// for any in-flight Perform to finish before closing the runner.
func (m *ManagedModel) Unload(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	runner := m.runner
	state := m.state
	m.runner = nil
	m.state = Unloaded
	m.loadErr = nil
	m.mu.Unlock()

	if state != Loaded || runner == nil {
		return nil
	}
	m.logger.Debug("unloading model")
	return runner.Close()
}

// InputInfo and OutputInfo report the loaded runner's declared I/O. They
// load the model as a side effect if necessary, since backends only know
// their I/O shapes once initialized.
func (m *ManagedModel) InputInfo(ctx context.Context) ([]TensorInfo, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.InputInfo(), nil
}

func (m *ManagedModel) OutputInfo(ctx context.Context) ([]TensorInfo, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.OutputInfo(), nil
}
