package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Run status constants.
const (
	StatusRunning   = "RUNNING"
	StatusPreempted = "PREEMPTED"
	StatusFailed    = "FAILED"
	StatusCompleted = "COMPLETED"
)

// Acquire response status values.
const (
	LeaseGranted = "granted"
	LeaseDenied  = "denied"
)

// ValidStatus reports whether s is one of the four run statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusRunning, StatusPreempted, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether s ends a run and releases its lease.
func Terminal(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Lease is the single exclusive permission held by one worker.
type Lease struct {
	RunID      string    `json:"run_id"`
	LeaseToken string    `json:"lease_token"`
	WorkerID   string    `json:"worker_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now. A nil lease
// is treated as expired.
func (l *Lease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	return !l.ExpiresAt.After(now)
}

// RunStatus is the authority's record of one run's progress.
type RunStatus struct {
	RunID            string    `json:"run_id"`
	LastReportedStep int64     `json:"last_reported_step"`
	LastCkpt         *string   `json:"last_ckpt"`
	LastHFRepo       *string   `json:"last_hf_repo"`
	LastHFRevision   *string   `json:"last_hf_revision"`
	UpdatedAt        time.Time `json:"updated_at"`
	Status           string    `json:"status"`
	Msg              *string   `json:"msg"`
}

// NewRunStatus returns the lazily-created record for a run seen for the first time.
func NewRunStatus(runID string, now time.Time) *RunStatus {
	return &RunStatus{
		RunID:     runID,
		UpdatedAt: now,
		Status:    StatusRunning,
	}
}

// CommanderState is the authority's entire persisted aggregate.
type CommanderState struct {
	ActiveLease *Lease                `json:"active_lease"`
	RunStatus   map[string]*RunStatus `json:"run_status"`
}

// NewCommanderState returns an empty state.
func NewCommanderState() *CommanderState {
	return &CommanderState{RunStatus: make(map[string]*RunStatus)}
}

// Clone returns a deep copy of the state.
func (s *CommanderState) Clone() *CommanderState {
	out := NewCommanderState()
	if s == nil {
		return out
	}
	if s.ActiveLease != nil {
		l := *s.ActiveLease
		out.ActiveLease = &l
	}
	for id, rs := range s.RunStatus {
		c := *rs
		c.LastCkpt = cloneString(rs.LastCkpt)
		c.LastHFRepo = cloneString(rs.LastHFRepo)
		c.LastHFRevision = cloneString(rs.LastHFRevision)
		c.Msg = cloneString(rs.Msg)
		out.RunStatus[id] = &c
	}
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value behind p, or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// WorkerConfig is handed to a worker when its lease is granted.
type WorkerConfig struct {
	L1Root            string  `json:"l1_root"`
	RunID             string  `json:"run_id"`
	CkptIntervalSec   int     `json:"ckpt_interval_sec"`
	CkptKeepLastN     int     `json:"ckpt_keep_last_n"`
	HFSyncIntervalSec int     `json:"hf_sync_interval_sec"`
	HFRepo            *string `json:"hf_repo"`
	HFPushOnImprove   bool    `json:"hf_push_on_improve"`
}

// StepPrefix starts every checkpoint step directory name.
const StepPrefix = "step_"

// StepName renders a step number as a fixed-width directory name.
func StepName(step int64) string {
	return fmt.Sprintf("%s%08d", StepPrefix, step)
}

// ParseStep extracts the step number from a step directory name.
func ParseStep(name string) (int64, bool) {
	digits, ok := strings.CutPrefix(name, StepPrefix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// StepOf returns the step number of a possibly-absent checkpoint name,
// treating nil or unparseable names as step 0.
func StepOf(name *string) int64 {
	if name == nil {
		return 0
	}
	n, _ := ParseStep(*name)
	return n
}
