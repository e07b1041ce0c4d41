package model

import (
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewLeaseToken(t *testing.T) {
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewLeaseToken()
		if err != nil {
			t.Fatalf("NewLeaseToken: %v", err)
		}
		if !hex32.MatchString(tok) {
			t.Fatalf("token %q is not 32 hex chars", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestStatusConstants(t *testing.T) {
	for _, s := range []string{StatusRunning, StatusPreempted, StatusFailed, StatusCompleted} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false", s)
		}
	}
	if ValidStatus("running") {
		t.Error("ValidStatus is case sensitive")
	}
	if !Terminal(StatusCompleted) || !Terminal(StatusFailed) {
		t.Error("COMPLETED and FAILED must be terminal")
	}
	if Terminal(StatusPreempted) || Terminal(StatusRunning) {
		t.Error("PREEMPTED and RUNNING must not be terminal")
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		lease *Lease
		want  bool
	}{
		{"nil", nil, true},
		{"future", &Lease{ExpiresAt: now.Add(time.Second)}, false},
		{"exactly now", &Lease{ExpiresAt: now}, true},
		{"past", &Lease{ExpiresAt: now.Add(-time.Second)}, true},
	}
	for _, tt := range tests {
		if got := tt.lease.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStepNames(t *testing.T) {
	if got := StepName(7); got != "step_00000007" {
		t.Errorf("StepName(7) = %q", got)
	}
	tests := []struct {
		name string
		want int64
		ok   bool
	}{
		{"step_00000007", 7, true},
		{"step_123456789", 123456789, true},
		{"step_", 0, false},
		{"step_12a", 0, false},
		{"latest", 0, false},
		{"_staging", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseStep(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStep(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
	if StepOf(nil) != 0 {
		t.Error("StepOf(nil) != 0")
	}
	name := "step_00000042"
	if StepOf(&name) != 42 {
		t.Error("StepOf(step_00000042) != 42")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewCommanderState()
	s.ActiveLease = &Lease{RunID: "r1", LeaseToken: "t"}
	s.RunStatus["r1"] = &RunStatus{RunID: "r1", LastCkpt: StringPtr("step_00000001")}

	c := s.Clone()
	c.ActiveLease.LeaseToken = "changed"
	*c.RunStatus["r1"].LastCkpt = "step_00000009"

	if s.ActiveLease.LeaseToken != "t" {
		t.Error("clone shares active lease")
	}
	if *s.RunStatus["r1"].LastCkpt != "step_00000001" {
		t.Error("clone shares run status pointers")
	}
}
