package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
)

const snapshotPrefix = "relay_hf_snapshot_"

// Snapshot is a private copy of a checkpoint ready for upload.
type Snapshot struct {
	// Dir is the folder to upload. It holds ckpt/ and, when present,
	// state.json and events.log.
	Dir string

	tmpRoot string
}

// MakeSnapshot copies stepDir and the run's state and event log into a new
// temporary directory. The caller must Discard the snapshot.
func MakeSnapshot(stepDir, runRoot string) (*Snapshot, error) {
	info, err := os.Stat(stepDir)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint missing: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("latest checkpoint %s is not a directory", stepDir)
	}

	tmpRoot, err := os.MkdirTemp("", snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snap := &Snapshot{Dir: filepath.Join(tmpRoot, "snapshot"), tmpRoot: tmpRoot}

	if err := copy.Copy(stepDir, filepath.Join(snap.Dir, "ckpt")); err != nil {
		snap.Discard()
		return nil, fmt.Errorf("copy checkpoint: %w", err)
	}

	for _, name := range []string{"state.json", "events.log"} {
		src := filepath.Join(runRoot, name)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := copy.Copy(src, filepath.Join(snap.Dir, name)); err != nil {
			snap.Discard()
			return nil, fmt.Errorf("copy %s: %w", name, err)
		}
	}

	return snap, nil
}

// Discard removes the snapshot and its temporary parent.
func (s *Snapshot) Discard() error {
	if s == nil || s.tmpRoot == "" {
		return nil
	}
	return os.RemoveAll(s.tmpRoot)
}
