// Copyright 2023 Keelstream, Inc. or its affiliates. All Rights Reserved.
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

package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PlannedUpload is one file the uploader must ship for the current attempt.
type PlannedUpload struct {
	LocalPath      string
	RemoteFilepath string
	Checksum       string
}

type fileKind int

const (
	// immutable, uniquely named table files. Name identity is trusted, the
	// content hash is elided.
	kindTable fileKind = iota
	// the store's current-manifest pointer. Tiny and changes every attempt.
	kindCurrent
	// mutable control files whose names repeat across attempts, compared by
	// content hash.
	kindControl
	kindOther
)

func classifyFile(name string) fileKind {
	switch {
	case strings.HasSuffix(name, ".sst"):
		return kindTable
	case name == "CURRENT":
		return kindCurrent
	case strings.HasPrefix(name, "MANIFEST-"),
		strings.HasPrefix(name, "OPTIONS-"),
		strings.HasSuffix(name, ".log"):
		return kindControl
	default:
		return kindOther
	}
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Plan diffs the local snapshot in target's attempt directory against the
// previous manifest and decides, per file, between re-uploading and reusing
// the already-uploaded copy. The returned manifest names every file of the
// snapshot whether uploaded or reused, so it is self-sufficient and no older
// manifest is ever consulted to restore from it. prev may be nil for the first
// checkpoint of a partition.
//
// result carries the store-side sequence and producer offset of the snapshot;
// consumerOffset is the partition's safe commit offset at snapshot time.
func Plan(target Target, result CheckpointResult, consumerOffset int64, prev *Manifest) (Manifest, []PlannedUpload, error) {
	manifest := newManifest(target, result, consumerOffset)
	var uploads []PlannedUpload

	prevFiles := map[string]ManifestFile{}
	if prev != nil {
		prevFiles = prev.fileIndex()
	}

	localDir := target.LocalAttemptDir()
	upload := func(localPath, relPath, checksum string) {
		planned := PlannedUpload{
			LocalPath:      localPath,
			RemoteFilepath: target.RemoteFilepath(relPath),
			Checksum:       checksum,
		}
		uploads = append(uploads, planned)
		manifest.Files = append(manifest.Files, ManifestFile{
			RemoteFilepath: planned.RemoteFilepath,
			Checksum:       planned.Checksum,
		})
	}

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		relPath := filepath.ToSlash(rel)
		name := d.Name()
		prevFile, inPrev := prevFiles[name]

		switch classifyFile(name) {
		case kindTable:
			if inPrev {
				// same name means same bytes for table files, reuse the
				// uploaded copy under its original attempt prefix
				manifest.Files = append(manifest.Files, prevFile)
				return nil
			}
			upload(p, relPath, "")
		case kindCurrent:
			checksum, err := checksumFile(p)
			if err != nil {
				return err
			}
			upload(p, relPath, checksum)
		case kindControl:
			checksum, err := checksumFile(p)
			if err != nil {
				return err
			}
			if inPrev && prevFile.Checksum == checksum {
				manifest.Files = append(manifest.Files, prevFile)
				return nil
			}
			upload(p, relPath, checksum)
		default:
			checksum, err := checksumFile(p)
			if err != nil {
				return err
			}
			upload(p, relPath, checksum)
		}
		return nil
	})
	if err != nil {
		return Manifest{}, nil, err
	}
	return manifest, uploads, nil
}
