package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/relay/internal/model"
)

func openTestStore(t *testing.T, backend string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "commander_state."+backend)
	s, err := Open(backend, path)
	if err != nil {
		t.Fatalf("Open(%q): %v", backend, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestState() *model.CommanderState {
	st := model.NewCommanderState()
	st.ActiveLease = &model.Lease{
		RunID:      "run-1",
		LeaseToken: "abc123",
		WorkerID:   "worker-1",
		ExpiresAt:  time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	rs := model.NewRunStatus("run-1", time.Now().UTC().Truncate(time.Second))
	rs.LastReportedStep = 3
	rs.LastCkpt = model.StringPtr("step_00000003")
	st.RunStatus["run-1"] = rs
	return st
}

func TestLoadEmpty(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			st, err := s.Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.ActiveLease != nil {
				t.Errorf("ActiveLease = %+v, want nil", st.ActiveLease)
			}
			if st.RunStatus == nil || len(st.RunStatus) != 0 {
				t.Errorf("RunStatus = %v, want empty map", st.RunStatus)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			want := makeTestState()

			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.ActiveLease == nil || got.ActiveLease.LeaseToken != "abc123" {
				t.Fatalf("ActiveLease = %+v", got.ActiveLease)
			}
			if !got.ActiveLease.ExpiresAt.Equal(want.ActiveLease.ExpiresAt) {
				t.Errorf("ExpiresAt = %v, want %v", got.ActiveLease.ExpiresAt, want.ActiveLease.ExpiresAt)
			}
			rs := got.RunStatus["run-1"]
			if rs == nil {
				t.Fatal("run-1 status missing")
			}
			if rs.LastReportedStep != 3 || model.Deref(rs.LastCkpt) != "step_00000003" {
				t.Errorf("run status = %+v", rs)
			}

			// A second save fully replaces the first.
			want.ActiveLease = nil
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save (2): %v", err)
			}
			got, err = s.Load(ctx)
			if err != nil {
				t.Fatalf("Load (2): %v", err)
			}
			if got.ActiveLease != nil {
				t.Errorf("ActiveLease after clear = %+v, want nil", got.ActiveLease)
			}
		})
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state."+backend)
			ctx := context.Background()

			s, err := Open(backend, path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := s.Save(ctx, makeTestState()); err != nil {
				t.Fatalf("Save: %v", err)
			}
			s.Close()

			s, err = Open(backend, path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()
			st, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.ActiveLease == nil || st.ActiveLease.WorkerID != "worker-1" {
				t.Errorf("ActiveLease = %+v", st.ActiveLease)
			}
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "commander_state.json"))
	for i := 0; i < 3; i++ {
		if err := s.Save(context.Background(), makeTestState()); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "commander_state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only commander_state.json", names)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commander_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Error("Load of corrupt file returned nil error")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("etcd", "x"); err == nil {
		t.Error("Open(etcd) returned nil error")
	}
}
