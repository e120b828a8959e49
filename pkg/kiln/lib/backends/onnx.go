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

//go:build onnx

// The onnx build tag gates this file because ONNX Runtime's Go bindings
// require CGO and a matching libonnxruntime shared library at link and run
// time. Without the tag, this package registers no backend.

package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kilnrt/kiln/pkg/kiln/lib/tensor"
)

func init() {
	RegisterBackend(BackendONNX, loadONNXRunner)
}

var (
	onnxInitOnce sync.Once
	onnxInitErr  error
)

func initONNXRuntime() error {
	onnxInitOnce.Do(func() {
		if libPath := onnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		onnxInitErr = ort.InitializeEnvironment()
	})
	return onnxInitErr
}

// onnxLibraryPath locates the directory holding libonnxruntime, checking
// ONNXRUNTIME_ROOT first and then the platform's dynamic-library search
// path, matching how the resource directory's own bundled runtime (if any)
// is discovered.
func onnxLibraryPath() string {
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, libName)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, libName)); err == nil {
			return directDir
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			ldPath = dyld
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// onnxRunner adapts an ONNX Runtime dynamic session to the Runner
// interface. Input and output names are read from the model itself at load
// time, so any exported checkpoint with named inputs/outputs works without
// per-model glue code in this package.
type onnxRunner struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputs      []TensorInfo
	outputs     []TensorInfo
}

func loadONNXRunner(path string, opts ...LoadOption) (Runner, error) {
	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	config := ApplyOptions(opts...)
	filename := config.ONNXFilename
	if filename == "" {
		filename = "model.onnx"
	}
	onnxPath := filepath.Join(path, filename)
	if _, err := os.Stat(onnxPath); os.IsNotExist(err) {
		matches, _ := filepath.Glob(filepath.Join(path, "*.onnx"))
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: no .onnx file in %s", ErrResourceMissing, path)
		}
		onnxPath = matches[0]
	}

	rawInputs, rawOutputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, fmt.Errorf("reading model info from %s: %w", onnxPath, err)
	}

	inputNames := make([]string, len(rawInputs))
	inputs := make([]TensorInfo, len(rawInputs))
	for i, info := range rawInputs {
		inputNames[i] = info.Name
		inputs[i] = convertInputOutputInfo(info)
	}
	outputNames := make([]string, len(rawOutputs))
	outputs := make([]TensorInfo, len(rawOutputs))
	for i, info := range rawOutputs {
		outputNames[i] = info.Name
		outputs[i] = convertInputOutputInfo(info)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating ONNX session options: %w", err)
	}
	if config.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(config.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting ONNX thread count: %w", err)
		}
	}
	if config.ComputeUnits == ComputeUnitsCPUAndGPU || config.ComputeUnits == ComputeUnitsAll {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("%w: creating ONNX session for %s: %w", ErrLoadFailed, onnxPath, err)
	}

	return &onnxRunner{
		session:     session,
		sessionOpts: sessionOpts,
		inputs:      inputs,
		outputs:     outputs,
	}, nil
}

func convertInputOutputInfo(info ort.InputOutputInfo) TensorInfo {
	shape := make([]int, len(info.Dimensions))
	for i, d := range info.Dimensions {
		shape[i] = int(d)
	}
	return TensorInfo{Name: info.Name, Shape: shape, DataType: DataTypeFloat32}
}

// Run implements Runner.
func (r *onnxRunner) Run(_ context.Context, inputs []tensor.Named) ([]tensor.Named, error) {
	ortInputs := make([]ort.Value, 0, len(r.inputs))
	for _, info := range r.inputs {
		named, ok := backendsFind(inputs, info.Name)
		if !ok {
			return nil, fmt.Errorf("%w: missing input %q", ErrShapeMismatch, info.Name)
		}
		shape := make([]int64, len(named.Tensor.Shape))
		for i, d := range named.Tensor.Shape {
			shape[i] = int64(d)
		}
		v, err := ort.NewTensor(ort.NewShape(shape...), named.Tensor.Data)
		if err != nil {
			return nil, fmt.Errorf("creating ONNX input tensor %q: %w", info.Name, err)
		}
		defer v.Destroy()
		ortInputs = append(ortInputs, v)
	}

	ortOutputs := make([]ort.Value, len(r.outputs))
	if err := r.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	out := make([]tensor.Named, len(r.outputs))
	for i, info := range r.outputs {
		tv, ok := ortOutputs[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("%w: output %q was not float32", ErrInferenceFailed, info.Name)
		}
		dims := tv.GetShape()
		shape := make([]int, len(dims))
		for j, d := range dims {
			shape[j] = int(d)
		}
		data := append([]float32(nil), tv.GetData()...)
		out[i] = tensor.Named{Name: info.Name, Tensor: tensor.FromData(data, shape...)}
	}
	return out, nil
}

// InputInfo implements Runner.
func (r *onnxRunner) InputInfo() []TensorInfo { return r.inputs }

// OutputInfo implements Runner.
func (r *onnxRunner) OutputInfo() []TensorInfo { return r.outputs }

// Close implements Runner.
func (r *onnxRunner) Close() error {
	r.session.Destroy()
	r.sessionOpts.Destroy()
	return nil
}

func backendsFind(named []tensor.Named, name string) (tensor.Named, bool) {
	for _, n := range named {
		if n.Name == name {
			return n, true
		}
	}
	return tensor.Named{}, false
}
