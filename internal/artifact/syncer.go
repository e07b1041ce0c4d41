package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/fsutil"
)

const (
	markerDir  = "hf"
	markerFile = "last_synced.json"

	modeDryRun = "dry_run"
	modeUpload = "upload"
)

// ErrNoHub is returned for a real sync on a syncer built without a hub.
var ErrNoHub = errors.New("no artifact hub configured")

// Marker is the content of hf/last_synced.json.
type Marker struct {
	Repo     string    `json:"repo"`
	Revision string    `json:"revision"`
	At       time.Time `json:"at"`
}

// MarkerPath returns the sync marker location for a run root.
func MarkerPath(runRoot string) string {
	return filepath.Join(runRoot, markerDir, markerFile)
}

// ReadMarker loads the last sync marker of a run.
func ReadMarker(runRoot string) (Marker, error) {
	data, err := os.ReadFile(MarkerPath(runRoot))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse sync marker: %w", err)
	}
	return m, nil
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithSyncClock overrides the clock used for dry-run revisions and markers.
func WithSyncClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = now }
}

// Syncer uploads snapshots to a hub and records the result.
type Syncer struct {
	hub    Hub
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	lastDry int64
}

// NewSyncer returns a syncer for hub. hub may be nil when only dry runs are
// performed.
func NewSyncer(hub Hub, logger *slog.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		hub:    hub,
		now:    time.Now,
		logger: logger.With("component", "artifact"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync publishes snap to repo/branch and writes the run's sync marker. A dry
// run fabricates a unique revision without contacting the hub.
func (s *Syncer) Sync(ctx context.Context, snap *Snapshot, runRoot, repo, branch string, dryRun bool) (string, error) {
	mode := modeUpload
	if dryRun {
		mode = modeDryRun
	}

	rev, err := s.publish(ctx, snap, repo, branch, dryRun)
	if err == nil {
		err = s.writeMarker(runRoot, repo, rev)
	}
	if err != nil {
		syncsTotal.WithLabelValues(mode, "error").Inc()
		return "", err
	}

	syncsTotal.WithLabelValues(mode, "ok").Inc()
	s.logger.Info("snapshot synced", "repo", repo, "branch", branch, "revision", rev, "dry_run", dryRun)
	return rev, nil
}

// SyncStep snapshots stepDir, syncs it and discards the snapshot.
func (s *Syncer) SyncStep(ctx context.Context, stepDir, runRoot, repo, branch string, dryRun bool) (string, error) {
	snap, err := MakeSnapshot(stepDir, runRoot)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := snap.Discard(); err != nil {
			s.logger.Warn("discard snapshot", "error", err)
		}
	}()
	return s.Sync(ctx, snap, runRoot, repo, branch, dryRun)
}

func (s *Syncer) publish(ctx context.Context, snap *Snapshot, repo, branch string, dryRun bool) (string, error) {
	if dryRun {
		return s.dryRunRevision(), nil
	}
	if s.hub == nil {
		return "", ErrNoHub
	}
	if err := s.hub.EnsureRepo(ctx, repo); err != nil {
		return "", fmt.Errorf("ensure repo %s: %w", repo, err)
	}
	if err := s.hub.UploadFolder(ctx, repo, branch, snap.Dir); err != nil {
		return "", fmt.Errorf("upload to %s@%s: %w", repo, branch, err)
	}
	rev, err := s.hub.ResolveRevision(ctx, repo, branch)
	if err != nil {
		return "", fmt.Errorf("resolve %s@%s: %w", repo, branch, err)
	}
	return rev, nil
}

// dryRunRevision is strictly increasing per syncer even when the clock is
// coarse or repeats.
func (s *Syncer) dryRunRevision() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.now().UnixNano()
	if n <= s.lastDry {
		n = s.lastDry + 1
	}
	s.lastDry = n
	return fmt.Sprintf("dry-run-%d", n)
}

func (s *Syncer) writeMarker(runRoot, repo, rev string) error {
	data, err := json.MarshalIndent(Marker{Repo: repo, Revision: rev, At: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync marker: %w", err)
	}
	if err := fsutil.WriteFileAtomic(MarkerPath(runRoot), data, 0o644); err != nil {
		return fmt.Errorf("write sync marker: %w", err)
	}
	return nil
}
