package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/seantiz/relay/internal/fsutil"
	"github.com/seantiz/relay/internal/model"
)

// LatestName is the pointer to the newest promoted step directory.
const LatestName = "latest"

const latestTmpName = ".latest.tmp"

// ErrStagingMissing is returned when the staged step directory does not exist.
var ErrStagingMissing = errors.New("staging checkpoint missing")

// Step is a step directory and its parsed step number.
type Step struct {
	Name string
	Path string
	Num  int64
}

// ListStepDirs returns the step directories under ckptRoot ordered by step
// number ascending. A missing root yields an empty list.
func ListStepDirs(ckptRoot string) ([]Step, error) {
	entries, err := os.ReadDir(ckptRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ckptRoot, err)
	}

	var steps []Step
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := model.ParseStep(e.Name())
		if !ok {
			continue
		}
		steps = append(steps, Step{Name: e.Name(), Path: filepath.Join(ckptRoot, e.Name()), Num: n})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Num < steps[j].Num })
	return steps, nil
}

// ListStaged returns the names of step directories waiting in stagingRoot,
// ascending by step number.
func ListStaged(stagingRoot string) ([]string, error) {
	steps, err := ListStepDirs(stagingRoot)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names, nil
}

// LatestValidStep returns the highest-numbered step directory that verifies.
// ok is false when none does.
func LatestValidStep(ckptRoot string) (step Step, ok bool) {
	steps, err := ListStepDirs(ckptRoot)
	if err != nil {
		return Step{}, false
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if VerifyStepDir(steps[i].Path) {
			return steps[i], true
		}
	}
	return Step{}, false
}

// ResolveLatest follows the latest pointer and returns the absolute step
// directory it names.
func ResolveLatest(ckptRoot string) (string, error) {
	target, err := os.Readlink(filepath.Join(ckptRoot, LatestName))
	if err != nil {
		return "", fmt.Errorf("read latest pointer: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(ckptRoot, target)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("latest pointer target: %w", err)
	}
	return abs, nil
}

// UpdateLatestPointer points latest at stepDir. The link is created under a
// temporary name and renamed into place, so latest is never absent.
func UpdateLatestPointer(ckptRoot, stepDir string) error {
	tmp := filepath.Join(ckptRoot, latestTmpName)
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale pointer: %w", err)
	}
	if err := os.Symlink(filepath.Base(stepDir), tmp); err != nil {
		return fmt.Errorf("create pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(ckptRoot, LatestName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap latest pointer: %w", err)
	}
	fsutil.SyncDir(ckptRoot)
	return nil
}

// Store promotes and prunes checkpoints under one run root.
type Store struct {
	ckptRoot    string
	stagingRoot string
	keepLastN   int
	logger      *slog.Logger
}

// NewStore returns a store over ckptRoot that keeps the newest keepLastN step
// directories. keepLastN <= 0 disables pruning.
func NewStore(ckptRoot, stagingRoot string, keepLastN int, logger *slog.Logger) *Store {
	return &Store{
		ckptRoot:    ckptRoot,
		stagingRoot: stagingRoot,
		keepLastN:   keepLastN,
		logger:      logger.With("component", "checkpoint"),
	}
}

// Root returns the checkpoint root.
func (s *Store) Root() string { return s.ckptRoot }

// StagingRoot returns the directory the trainer writes into.
func (s *Store) StagingRoot() string { return s.stagingRoot }

// Staged lists step names waiting for promotion.
func (s *Store) Staged() ([]string, error) {
	return ListStaged(s.stagingRoot)
}

// LatestValid returns the newest step directory that verifies.
func (s *Store) LatestValid() (Step, bool) {
	return LatestValidStep(s.ckptRoot)
}

// Finalize promotes the staged step directory stepName. See FinalizeExternal.
func (s *Store) Finalize(stepName string) (string, error) {
	return FinalizeExternal(s.stagingRoot, s.ckptRoot, stepName, s.keepLastN, s.logger)
}

// Prune applies the retention policy.
func (s *Store) Prune() {
	PruneOld(s.ckptRoot, s.keepLastN, s.logger)
}

// FinalizeExternal promotes stagingRoot/stepName into ckptRoot and returns the
// destination. The manifest is written while the directory is still staged
// and the move is a single rename of the whole tree.
//
// An existing destination that verifies is treated as already promoted: the
// staged duplicate is discarded. One that fails verification is replaced.
func FinalizeExternal(stagingRoot, ckptRoot, stepName string, keepLastN int, logger *slog.Logger) (string, error) {
	src := filepath.Join(stagingRoot, stepName)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrStagingMissing, src)
		}
		return "", fmt.Errorf("stat staged checkpoint: %w", err)
	}

	if _, err := SaveManifest(src); err != nil {
		return "", err
	}
	if err := os.MkdirAll(ckptRoot, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint root: %w", err)
	}

	dst := filepath.Join(ckptRoot, stepName)
	if _, err := os.Stat(dst); err == nil {
		if VerifyStepDir(dst) {
			os.RemoveAll(src)
			if err := UpdateLatestPointer(ckptRoot, dst); err != nil {
				return "", err
			}
			PruneOld(ckptRoot, keepLastN, logger)
			return dst, nil
		}
		logger.Warn("replacing corrupt checkpoint", "step", stepName)
		if err := os.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("remove corrupt checkpoint: %w", err)
		}
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("promote %s: %w", stepName, err)
	}
	fsutil.SyncDir(ckptRoot)

	if err := UpdateLatestPointer(ckptRoot, dst); err != nil {
		return "", err
	}
	PruneOld(ckptRoot, keepLastN, logger)
	return dst, nil
}

// PruneOld removes all but the newest keepLastN step directories. Removal
// failures are logged and skipped.
func PruneOld(ckptRoot string, keepLastN int, logger *slog.Logger) {
	if keepLastN <= 0 {
		return
	}
	steps, err := ListStepDirs(ckptRoot)
	if err != nil {
		logger.Warn("prune: list checkpoints", "error", err)
		return
	}
	if len(steps) <= keepLastN {
		return
	}
	for _, old := range steps[:len(steps)-keepLastN] {
		if err := os.RemoveAll(old.Path); err != nil {
			logger.Warn("prune: remove checkpoint", "step", old.Name, "error", err)
			continue
		}
		logger.Debug("pruned checkpoint", "step", old.Name)
	}
}
