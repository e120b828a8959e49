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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

func TestManagedModelLazyLoadsOnFirstPerform(t *testing.T) {
	var loadCount int32
	mock := NewMockRunner(nil, []TensorInfo{{Name: "out", Shape: []int{1}}}, nil)
	factory := func(string, ...LoadOption) (Runner, error) {
		atomic.AddInt32(&loadCount, 1)
		return mock, nil
	}

	m := NewManagedModel("test", "/does/not/matter", factory, nil, nil)
	require.Equal(t, Unloaded, m.State())

	_, err := m.Perform(context.Background(), func(r Runner) ([]tensor.Named, error) {
		return r.Run(context.Background(), nil)
	})
	require.NoError(t, err)
	require.Equal(t, Loaded, m.State())
	require.EqualValues(t, 1, atomic.LoadInt32(&loadCount))

	_, err = m.Perform(context.Background(), func(r Runner) ([]tensor.Named, error) {
		return r.Run(context.Background(), nil)
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&loadCount), "second Perform must not reload")
}

func TestManagedModelLoadFailureDoesNotPoisonSubsequentRequests(t *testing.T) {
	wantErr := errors.New("boom")
	var attempts int32
	factory := func(string, ...LoadOption) (Runner, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return nil, wantErr
		}
		return NewMockRunner(nil, nil, nil), nil
	}

	m := NewManagedModel("test", "/x", factory, nil, nil)

	_, err := m.Perform(context.Background(), func(r Runner) ([]tensor.Named, error) { return nil, nil })
	require.ErrorIs(t, err, ErrLoadFailed)
	require.Equal(t, Failed, m.State())
	require.ErrorIs(t, m.LastError(), ErrLoadFailed)

	_, err = m.Perform(context.Background(), func(r Runner) ([]tensor.Named, error) { return nil, nil })
	require.NoError(t, err, "a failed load must not poison the instance; the next request retries")
	require.Equal(t, Loaded, m.State())
	require.NoError(t, m.LastError())
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestManagedModelPerformIsSerialized(t *testing.T) {
	mock := NewMockRunner(nil, nil, nil)
	m := NewManagedModel("test", "/x", MockFactory(mock), nil, nil)

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Perform(context.Background(), func(r Runner) ([]tensor.Named, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxActive, "Perform calls overlapped; expected single-flight serialization")
}

func TestManagedModelUnloadReloads(t *testing.T) {
	var loadCount int32
	factory := func(string, ...LoadOption) (Runner, error) {
		atomic.AddInt32(&loadCount, 1)
		return NewMockRunner(nil, nil, nil), nil
	}
	m := NewManagedModel("test", "/x", factory, nil, nil)

	require.NoError(t, m.Load(context.Background()))
	require.Equal(t, Loaded, m.State())

	require.NoError(t, m.Unload(context.Background()))
	require.Equal(t, Unloaded, m.State())

	require.NoError(t, m.Load(context.Background()))
	require.EqualValues(t, 2, atomic.LoadInt32(&loadCount))
}

func TestManagedModelPrewarmLoadsThenUnloads(t *testing.T) {
	var closed int32
	factory := func(string, ...LoadOption) (Runner, error) {
		r := NewMockRunner(nil, nil, nil)
		return &closeTrackingRunner{MockRunner: r, closed: &closed}, nil
	}
	m := NewManagedModel("test", "/x", factory, nil, nil)

	require.NoError(t, m.Prewarm(context.Background()))
	require.Equal(t, Unloaded, m.State(), "Prewarm must leave the model unloaded")
	require.EqualValues(t, 1, atomic.LoadInt32(&closed))
}

type closeTrackingRunner struct {
	*MockRunner
	closed *int32
}

func (r *closeTrackingRunner) Close() error {
	atomic.AddInt32(r.closed, 1)
	return nil
}

func TestManagedModelPerformRespectsCancellation(t *testing.T) {
	mock := NewMockRunner(nil, nil, nil)
	m := NewManagedModel("test", "/x", MockFactory(mock), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Perform(ctx, func(r Runner) ([]tensor.Named, error) { return nil, nil })
	require.ErrorIs(t, err, context.Canceled)
}
