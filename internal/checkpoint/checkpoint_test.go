package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/relay/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStep creates dir/name with a weights file and a nested optimizer file.
func writeStep(t *testing.T, dir, name, content string) string {
	t.Helper()
	step := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Join(step, "optim"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(step, "weights.bin"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(step, "optim", "state.pt"), []byte("opt-"+content), 0o644))
	return step
}

func promotedStep(t *testing.T, root string, n int64) string {
	t.Helper()
	step := writeStep(t, root, model.StepName(n), "w")
	_, err := SaveManifest(step)
	require.NoError(t, err)
	return step
}

func TestBuildManifest(t *testing.T) {
	step := writeStep(t, t.TempDir(), "step_00000001", "hello")

	m, err := BuildManifest(step)
	require.NoError(t, err)

	require.Equal(t, 2, m.FileCount)
	assert.Equal(t, "optim/state.pt", m.Files[0].Path)
	assert.Equal(t, "weights.bin", m.Files[1].Path)
	assert.Equal(t, int64(5), m.Files[1].Size)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", m.Files[1].SHA256)
}

func TestSaveManifestIsStable(t *testing.T) {
	step := writeStep(t, t.TempDir(), "step_00000001", "x")

	first, err := SaveManifest(step)
	require.NoError(t, err)
	second, err := SaveManifest(step)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, second.FileCount, "manifest must not list itself")
}

func TestVerifyStepDir(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, step string)
		want   bool
	}{
		{"intact", func(t *testing.T, step string) {}, true},
		{"missing manifest", func(t *testing.T, step string) {
			require.NoError(t, os.Remove(filepath.Join(step, ManifestName)))
		}, false},
		{"corrupt manifest", func(t *testing.T, step string) {
			require.NoError(t, os.WriteFile(filepath.Join(step, ManifestName), []byte("{"), 0o644))
		}, false},
		{"file deleted", func(t *testing.T, step string) {
			require.NoError(t, os.Remove(filepath.Join(step, "optim", "state.pt")))
		}, false},
		{"content altered same size", func(t *testing.T, step string) {
			require.NoError(t, os.WriteFile(filepath.Join(step, "weights.bin"), []byte("HELLO"), 0o644))
		}, false},
		{"file shrunk", func(t *testing.T, step string) {
			require.NoError(t, os.WriteFile(filepath.Join(step, "weights.bin"), []byte("hel"), 0o644))
		}, false},
		{"file grown", func(t *testing.T, step string) {
			require.NoError(t, os.WriteFile(filepath.Join(step, "weights.bin"), []byte("hello world"), 0o644))
		}, false},
		{"file replaced by dir", func(t *testing.T, step string) {
			path := filepath.Join(step, "weights.bin")
			require.NoError(t, os.Remove(path))
			require.NoError(t, os.Mkdir(path, 0o755))
		}, false},
		{"extra file ignored", func(t *testing.T, step string) {
			require.NoError(t, os.WriteFile(filepath.Join(step, "notes.txt"), []byte("later"), 0o644))
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := writeStep(t, t.TempDir(), "step_00000001", "hello")
			_, err := SaveManifest(step)
			require.NoError(t, err)

			tt.mutate(t, step)
			assert.Equal(t, tt.want, VerifyStepDir(step))
		})
	}
}

func TestListStepDirsNumericOrder(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"step_10", "step_9", "step_00000002", "stepx", "step_", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "step_00000100"), nil, 0o644))

	steps, err := ListStepDirs(root)
	require.NoError(t, err)

	var nums []int64
	for _, s := range steps {
		nums = append(nums, s.Num)
	}
	assert.Equal(t, []int64{2, 9, 10}, nums)

	missing, err := ListStepDirs(filepath.Join(root, "absent"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLatestValidStepSkipsCorrupt(t *testing.T) {
	root := t.TempDir()
	promotedStep(t, root, 1)
	promotedStep(t, root, 2)
	newest := promotedStep(t, root, 3)
	require.NoError(t, os.WriteFile(filepath.Join(newest, "weights.bin"), []byte("torn"), 0o644))
	// Newest-of-all has no manifest at all.
	writeStep(t, root, model.StepName(4), "partial")

	step, ok := LatestValidStep(root)
	require.True(t, ok)
	assert.Equal(t, model.StepName(2), step.Name)
	assert.Equal(t, int64(2), step.Num)

	_, ok = LatestValidStep(t.TempDir())
	assert.False(t, ok)
}

func TestUpdateLatestPointer(t *testing.T) {
	root := t.TempDir()
	s1 := promotedStep(t, root, 1)
	s2 := promotedStep(t, root, 2)

	require.NoError(t, UpdateLatestPointer(root, s1))
	got, err := ResolveLatest(root)
	require.NoError(t, err)
	assert.Equal(t, s1, got)

	require.NoError(t, UpdateLatestPointer(root, s2))
	got, err = ResolveLatest(root)
	require.NoError(t, err)
	assert.Equal(t, s2, got)

	target, err := os.Readlink(filepath.Join(root, LatestName))
	require.NoError(t, err)
	assert.Equal(t, model.StepName(2), target, "pointer must be relative")

	_, err = os.Lstat(filepath.Join(root, latestTmpName))
	assert.True(t, os.IsNotExist(err), "temporary pointer left behind")
}

func TestResolveLatestMissing(t *testing.T) {
	_, err := ResolveLatest(t.TempDir())
	assert.Error(t, err)
}

func TestPruneOld(t *testing.T) {
	tests := []struct {
		name      string
		steps     int
		keepLastN int
		want      []int64
	}{
		{"more than n", 5, 2, []int64{4, 5}},
		{"exactly n", 3, 3, []int64{1, 2, 3}},
		{"fewer than n", 2, 3, []int64{1, 2}},
		{"zero keeps all", 3, 0, []int64{1, 2, 3}},
		{"negative keeps all", 3, -1, []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for i := 1; i <= tt.steps; i++ {
				promotedStep(t, root, int64(i))
			}

			PruneOld(root, tt.keepLastN, testLogger())

			steps, err := ListStepDirs(root)
			require.NoError(t, err)
			var nums []int64
			for _, s := range steps {
				nums = append(nums, s.Num)
			}
			assert.Equal(t, tt.want, nums)
		})
	}
}

func TestFinalizeExternal(t *testing.T) {
	run := t.TempDir()
	staging := filepath.Join(run, "ckpt", "_staging")
	ckpt := filepath.Join(run, "ckpt")
	writeStep(t, staging, "step_00000001", "a")

	dst, err := FinalizeExternal(staging, ckpt, "step_00000001", 3, testLogger())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ckpt, "step_00000001"), dst)
	assert.True(t, VerifyStepDir(dst))
	assert.NoDirExists(t, filepath.Join(staging, "step_00000001"))

	latest, err := ResolveLatest(ckpt)
	require.NoError(t, err)
	assert.Equal(t, dst, latest)
}

func TestFinalizeExternalMissingStaging(t *testing.T) {
	run := t.TempDir()
	_, err := FinalizeExternal(filepath.Join(run, "_staging"), run, "step_00000001", 3, testLogger())
	assert.ErrorIs(t, err, ErrStagingMissing)
}

func TestFinalizeExternalIdempotent(t *testing.T) {
	run := t.TempDir()
	staging := filepath.Join(run, "_staging")
	ckpt := filepath.Join(run, "ckpt")

	writeStep(t, staging, "step_00000005", "same")
	first, err := FinalizeExternal(staging, ckpt, "step_00000005", 3, testLogger())
	require.NoError(t, err)

	// A restarted trainer rewrites the same step with identical content.
	writeStep(t, staging, "step_00000005", "same")
	second, err := FinalizeExternal(staging, ckpt, "step_00000005", 3, testLogger())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, VerifyStepDir(second))
	assert.NoDirExists(t, filepath.Join(staging, "step_00000005"))

	steps, err := ListStepDirs(ckpt)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestFinalizeExternalReplacesCorruptDestination(t *testing.T) {
	run := t.TempDir()
	staging := filepath.Join(run, "_staging")
	ckpt := filepath.Join(run, "ckpt")

	writeStep(t, staging, "step_00000002", "old")
	dst, err := FinalizeExternal(staging, ckpt, "step_00000002", 3, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dst, "weights.bin"), []byte("bitrot"), 0o644))
	require.False(t, VerifyStepDir(dst))

	writeStep(t, staging, "step_00000002", "new")
	dst, err = FinalizeExternal(staging, ckpt, "step_00000002", 3, testLogger())
	require.NoError(t, err)

	assert.True(t, VerifyStepDir(dst))
	data, err := os.ReadFile(filepath.Join(dst, "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStorePromotionCyclesWithRetention(t *testing.T) {
	run := t.TempDir()
	ckpt := filepath.Join(run, "ckpt")
	staging := filepath.Join(ckpt, "_staging")
	store := NewStore(ckpt, staging, 1, testLogger())

	writeStep(t, staging, "step_00000001", "one")
	writeStep(t, staging, "step_00000002", "two")

	staged, err := store.Staged()
	require.NoError(t, err)
	require.Equal(t, []string{"step_00000001", "step_00000002"}, staged)

	for _, name := range staged {
		_, err := store.Finalize(name)
		require.NoError(t, err)
	}

	steps, err := ListStepDirs(ckpt)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "step_00000002", steps[0].Name)

	latest, err := ResolveLatest(ckpt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ckpt, "step_00000002"), latest)

	step, ok := store.LatestValid()
	require.True(t, ok)
	assert.Equal(t, int64(2), step.Num)

	staged, err = store.Staged()
	require.NoError(t, err)
	assert.Empty(t, staged)
}
