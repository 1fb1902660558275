package model

import (
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewTaskIDFormat(t *testing.T) {
	id := NewTaskID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewTaskID() = %q, want a Crockford Base32 ULID", id)
	}
}

func TestNewTaskIDMonotonic(t *testing.T) {
	prev := NewTaskID()
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		if id <= prev {
			t.Fatalf("NewTaskID() = %s after %s, want strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestStatusConstants(t *testing.T) {
	statuses := []struct {
		constant string
		expected string
	}{
		{StatusInitial, "initial"},
		{StatusInProgress, "in_progress"},
		{StatusPerformed, "performed"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
	}
	for _, s := range statuses {
		if s.constant != s.expected {
			t.Errorf("status constant = %q, want %q", s.constant, s.expected)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusInitial, StatusInProgress, true},
		{StatusInProgress, StatusPerformed, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPerformed, StatusCompleted, true},
		{StatusPerformed, StatusFailed, true},
		{StatusFailed, StatusInitial, true},

		{StatusInitial, StatusPerformed, false},
		{StatusInitial, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, false},
		{StatusPerformed, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusInitial, false},
		{StatusFailed, StatusInProgress, false},
		{"bogus", StatusInitial, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskTerminal(t *testing.T) {
	engineTask := func(status string, retries int) *Task {
		return &Task{Kind: KindEngine, Status: status, Engine: &EngineClaim{RetriesLeft: retries}}
	}

	tests := []struct {
		name string
		task *Task
		want bool
	}{
		{"completed engine", engineTask(StatusCompleted, 2), true},
		{"failed engine with retries", engineTask(StatusFailed, 2), false},
		{"failed engine exhausted", engineTask(StatusFailed, 0), true},
		{"performed engine", engineTask(StatusPerformed, 0), false},
		{"failed direct", &Task{Kind: KindDirect, Status: StatusFailed}, true},
		{"in progress direct", &Task{Kind: KindDirect, Status: StatusInProgress}, false},
	}

	for _, tt := range tests {
		if got := tt.task.Terminal(); got != tt.want {
			t.Errorf("%s: Terminal() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTaskLeaseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	expired := &Task{Kind: KindEngine, Engine: &EngineClaim{LockExpiresAt: &past}}
	if !expired.LeaseExpired(now) {
		t.Error("lease in the past should be expired")
	}

	held := &Task{Kind: KindEngine, Engine: &EngineClaim{LockExpiresAt: &future}}
	if held.LeaseExpired(now) {
		t.Error("lease in the future should not be expired")
	}

	direct := &Task{Kind: KindDirect}
	if direct.LeaseExpired(now) {
		t.Error("direct tasks never hold a lease")
	}
}

func TestNewDirectTask(t *testing.T) {
	task := NewDirectTask("zaak-initialize", nil)

	if task.Kind != KindDirect {
		t.Errorf("Kind = %q, want %q", task.Kind, KindDirect)
	}
	if task.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", task.Status, StatusInProgress)
	}
	if task.Engine != nil {
		t.Error("direct task should not carry an engine claim")
	}
	if task.StartedAt == nil {
		t.Error("StartedAt is nil")
	}
	if !crockfordBase32.MatchString(task.ID) {
		t.Errorf("ID %q is not a ULID", task.ID)
	}
}
