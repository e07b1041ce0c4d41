// Package checkpoint promotes trainer-written step directories into the
// permanent checkpoint root and decides which of them is safe to resume from.
//
// A step directory is valid only when its manifest.json lists every file
// with the size and SHA-256 it had at promotion time. Integrity failures are
// reported as "invalid", never as errors.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/seantiz/relay/internal/fsutil"
)

// ManifestName is the manifest file kept inside each step directory.
const ManifestName = "manifest.json"

const hashChunkSize = 1 << 20

// FileEntry records one file of a step directory.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest lists every regular file of a step directory.
type Manifest struct {
	FileCount int         `json:"file_count"`
	Files     []FileEntry `json:"files"`
}

// BuildManifest walks stepDir in sorted path order and hashes every regular
// file. An existing top-level manifest is left out.
func BuildManifest(stepDir string) (*Manifest, error) {
	m := &Manifest{Files: []FileEntry{}}

	err := filepath.WalkDir(stepDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(stepDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := fileSHA256(path)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, FileEntry{Path: rel, Size: info.Size(), SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest for %s: %w", stepDir, err)
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	m.FileCount = len(m.Files)
	return m, nil
}

// SaveManifest builds the manifest for stepDir and writes it into stepDir.
func SaveManifest(stepDir string) (*Manifest, error) {
	m, err := BuildManifest(stepDir)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(stepDir, ManifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// ReadManifest loads the manifest stored in stepDir.
func ReadManifest(stepDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(stepDir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyStepDir reports whether every file listed in the manifest exists as a
// regular file with the recorded size and digest. A missing or unreadable
// manifest makes the directory invalid.
func VerifyStepDir(stepDir string) bool {
	m, err := ReadManifest(stepDir)
	if err != nil {
		return false
	}
	for _, f := range m.Files {
		path := filepath.Join(stepDir, filepath.FromSlash(f.Path))
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
		if info.Size() != f.Size {
			return false
		}
		sum, err := fileSHA256(path)
		if err != nil || sum != f.SHA256 {
			return false
		}
	}
	return true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, hashChunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
