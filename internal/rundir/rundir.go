// Package rundir owns the on-disk layout of one run: the checkpoint tree,
// the sync marker directory, logs, state.json and events.log.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/fsutil"
	"github.com/seantiz/relay/internal/model"
)

const (
	stateFile  = "state.json"
	eventsFile = "events.log"
)

// Event names written to events.log.
const (
	EventAcquire         = "acquire"
	EventResumeL1        = "resume_l1"
	EventResumeColdStart = "resume_cold_start"
	EventCkptSaved       = "ckpt_saved"
	EventHFSynced        = "hf_synced"
	EventHFSyncFailed    = "hf_sync_failed"
	EventSigterm         = "sigterm"
	EventTrainerExit     = "trainer_exit"
)

// Dirs is the resolved layout of a run root.
type Dirs struct {
	Run     string
	Ckpt    string
	Staging string
	HF      string
	Logs    string
}

// Layout returns the directories of the run rooted at l1Root/runs/runID.
func Layout(l1Root, runID string) Dirs {
	return LayoutAt(filepath.Join(l1Root, "runs", runID))
}

// LayoutAt returns the directories of the run rooted at run.
func LayoutAt(run string) Dirs {
	return Dirs{
		Run:     run,
		Ckpt:    filepath.Join(run, "ckpt"),
		Staging: filepath.Join(run, "ckpt", "_staging"),
		HF:      filepath.Join(run, "hf"),
		Logs:    filepath.Join(run, "logs"),
	}
}

// State is the payload of state.json.
type State struct {
	Status         string    `json:"status"`
	LatestCkpt     *string   `json:"latest_ckpt"`
	LastHFRevision *string   `json:"last_hf_revision"`
	UpdatedAt      time.Time `json:"updated_at"`
	ExitCode       *int      `json:"exit_code,omitempty"`
}

// Run is an open run directory.
type Run struct {
	dirs Dirs

	mu sync.Mutex
}

// Ensure creates every directory of the layout and returns the run.
func Ensure(dirs Dirs) (*Run, error) {
	for _, d := range []string{dirs.Run, dirs.Ckpt, dirs.Staging, dirs.HF, dirs.Logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir %s: %w", d, err)
		}
	}
	return &Run{dirs: dirs}, nil
}

// Dirs returns the run layout.
func (r *Run) Dirs() Dirs {
	return r.dirs
}

// StatePath returns the location of state.json.
func (r *Run) StatePath() string {
	return filepath.Join(r.dirs.Run, stateFile)
}

// EventsPath returns the location of events.log.
func (r *Run) EventsPath() string {
	return filepath.Join(r.dirs.Run, eventsFile)
}

// WriteState atomically replaces state.json.
func (r *Run) WriteState(st State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return fsutil.WriteFileAtomic(r.StatePath(), data, 0o644)
}

// ReadState loads state.json.
func (r *Run) ReadState() (State, error) {
	data, err := os.ReadFile(r.StatePath())
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

// AppendEvent adds one JSON line to events.log. Reserved keys event, id and
// ts cannot be overridden by fields.
func (r *Run) AppendEvent(event string, fields map[string]any) error {
	rec := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	rec["id"] = model.NewID()
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.EventsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
