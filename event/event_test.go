package event

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Status(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestTaskStateCloneIndependentPointer(t *testing.T) {
	now := time.Now().UTC()
	s := TaskState{TaskID: "t1", CompletedAt: &now}
	clone := s.Clone()

	if clone.CompletedAt == s.CompletedAt {
		t.Fatal("Clone() shares the CompletedAt pointer with the original")
	}
	if !clone.CompletedAt.Equal(*s.CompletedAt) {
		t.Fatal("Clone() CompletedAt value diverged from original")
	}

	newTime := time.Now().UTC().Add(1)
	*clone.CompletedAt = newTime
	if s.CompletedAt.Equal(newTime) {
		t.Fatal("mutating the clone's CompletedAt mutated the original")
	}
}

func TestTaskStateCloneNilCompletedAt(t *testing.T) {
	s := TaskState{TaskID: "t1"}
	clone := s.Clone()
	if clone.CompletedAt != nil {
		t.Fatal("Clone() of a state with nil CompletedAt produced a non-nil pointer")
	}
}
