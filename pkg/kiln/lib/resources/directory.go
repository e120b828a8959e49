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

package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kilnrt/kiln/pkg/kiln/lib/backends"
)

// Artifact is one discovered model file plus its optional sidecar
// manifest.
type Artifact struct {
	Path     string
	Manifest *Manifest
}

// Directory is a resolved resource directory: the set of artifacts a
// Pipeline needs, located by the fixed naming convention spec §6 lists.
type Directory struct {
	Root string

	TextEncoder *Artifact // required
	VAEDecoder  *Artifact // required
	VAEEncoder  *Artifact // optional; absence disables image-to-image/inpaint

	// Exactly one of Unet or (UnetChunk1 and UnetChunk2) is set. The
	// chunked pair is preferred when both a single Unet.* and a chunked
	// pair are present, mirroring lazy_registry.go's "prefer the more
	// specific variant" discovery idiom.
	Unet       *Artifact
	UnetChunk1 *Artifact
	UnetChunk2 *Artifact

	SafetyChecker *Artifact // optional
	ControlNet    *Artifact // optional

	VocabPath  string
	MergesPath string
}

// Chunked reports whether the discovered U-Net is a chunked pair.
func (d *Directory) Chunked() bool {
	return d.UnetChunk1 != nil && d.UnetChunk2 != nil
}

// recognizedExtensions lists the artifact file extensions Discover accepts.
var recognizedExtensions = []string{".onnx", ".mlmodelc", ".mlpackage"}

// Discover scans root for the artifacts named in spec §6 and returns a
// Directory describing what was found. TextEncoder, VAEDecoder, a U-Net
// (Unet or a UnetChunk1/UnetChunk2 pair), vocab.json and merges.txt are
// required; their absence is ErrResourceMissing. Everything else is
// optional and simply left nil, downgrading the pipeline's capabilities
// rather than failing construction.
func Discover(root string, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: reading resource directory %q: %v", backends.ErrResourceMissing, root, err)
	}

	byStem := make(map[string]string) // stem -> filename, first match wins
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if _, exists := byStem[stem]; !exists && isRecognizedExtension(ext) {
			byStem[stem] = name
		}
	}

	d := &Directory{Root: root}
	d.TextEncoder = findArtifact(root, byStem, "TextEncoder", logger)
	d.VAEDecoder = findArtifact(root, byStem, "VAEDecoder", logger)
	d.VAEEncoder = findArtifact(root, byStem, "VAEEncoder", logger)
	d.SafetyChecker = findArtifact(root, byStem, "SafetyChecker", logger)
	d.ControlNet = findArtifact(root, byStem, "ControlNet", logger)

	chunk1 := findArtifact(root, byStem, "UnetChunk1", logger)
	chunk2 := findArtifact(root, byStem, "UnetChunk2", logger)
	single := findArtifact(root, byStem, "Unet", logger)
	if chunk1 != nil && chunk2 != nil {
		d.UnetChunk1, d.UnetChunk2 = chunk1, chunk2
	} else {
		d.Unet = single
	}

	if d.TextEncoder == nil {
		return nil, fmt.Errorf("%w: %q missing TextEncoder artifact", backends.ErrResourceMissing, root)
	}
	if d.VAEDecoder == nil {
		return nil, fmt.Errorf("%w: %q missing VAEDecoder artifact", backends.ErrResourceMissing, root)
	}
	if d.Unet == nil && !d.Chunked() {
		return nil, fmt.Errorf("%w: %q missing Unet (or UnetChunk1+UnetChunk2) artifact", backends.ErrResourceMissing, root)
	}

	d.VocabPath = filepath.Join(root, "vocab.json")
	if _, err := os.Stat(d.VocabPath); err != nil {
		return nil, fmt.Errorf("%w: %q missing vocab.json", backends.ErrResourceMissing, root)
	}
	d.MergesPath = filepath.Join(root, "merges.txt")
	if _, err := os.Stat(d.MergesPath); err != nil {
		return nil, fmt.Errorf("%w: %q missing merges.txt", backends.ErrResourceMissing, root)
	}

	logger.Info("resource directory discovered",
		zap.String("root", root),
		zap.Bool("chunked_unet", d.Chunked()),
		zap.Bool("has_vae_encoder", d.VAEEncoder != nil),
		zap.Bool("has_safety_checker", d.SafetyChecker != nil),
		zap.Bool("has_controlnet", d.ControlNet != nil))

	return d, nil
}

func isRecognizedExtension(ext string) bool {
	for _, e := range recognizedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func findArtifact(root string, byStem map[string]string, stem string, logger *zap.Logger) *Artifact {
	filename, ok := byStem[stem]
	if !ok {
		return nil
	}
	path := filepath.Join(root, filename)
	manifest, err := LoadManifest(filepath.Join(root, stem+".guernika.json"))
	if err != nil {
		logger.Warn("failed to parse manifest, continuing without it",
			zap.String("artifact", stem), zap.Error(err))
		manifest = nil
	}
	return &Artifact{Path: path, Manifest: manifest}
}
