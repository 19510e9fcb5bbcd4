package engine

import (
	"testing"
	"time"
)

func TestLoopbackJoinConfirms(t *testing.T) {
	l := NewLoopback()
	if err := l.Join(nil, "R1", 7); err == nil {
		t.Fatalf("join before initialise should fail")
	}
	if err := l.Initialize(Config{AppID: "test"}); err != nil {
		t.Fatalf("Initialize: %s", err)
	}
	if err := l.Join(nil, "R1", 7); err != nil {
		t.Fatalf("Join: %s", err)
	}
	select {
	case ev := <-l.Events():
		joined, ok := ev.(*JoinSucceeded)
		if !ok {
			t.Fatalf("got %T, want JoinSucceeded", ev)
		}
		if joined.ParticipantID != 7 {
			t.Errorf("participant id = %d, want 7", joined.ParticipantID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no JoinSucceeded event")
	}
	if room, ok := l.Joined(); !ok || room != "R1" {
		t.Errorf("Joined() = %q,%v want R1,true", room, ok)
	}
	// double join is an engine-level error; the coordinator serialises around it
	if err := l.Join(nil, "R2", 8); err == nil {
		t.Errorf("second join without leave should fail")
	}
	if err := l.Leave(); err != nil {
		t.Fatalf("Leave: %s", err)
	}
	if _, ok := l.Joined(); ok {
		t.Errorf("still joined after Leave")
	}
}

func TestLoopbackReleaseClosesEvents(t *testing.T) {
	l := NewLoopback()
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %s", err)
	}
	if _, ok := <-l.Events(); ok {
		t.Errorf("events channel not closed on release")
	}
	// emitting after release must not panic
	l.Emit(&ParticipantJoined{ParticipantID: 1})
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %s", err)
	}
}
