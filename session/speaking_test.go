package session

import (
	"testing"
	"time"

	"github.com/openroom/voicesync/engine"
)

func TestSpeakingTrackerThreshold(t *testing.T) {
	tr := newSpeakingTracker(40, time.Minute)
	defer tr.Stop()

	tr.Observe([]engine.VolumeSample{
		{ParticipantID: 1, Level: 100},
		{ParticipantID: 2, Level: 39}, // just below
		{ParticipantID: 3, Level: 40}, // at threshold counts
	})
	got := tr.Speaking()
	want := []int32{1, 3}
	if len(got) != len(want) {
		t.Fatalf("speaking = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("speaking = %v, want %v", got, want)
		}
	}
}

func TestSpeakingTrackerDecay(t *testing.T) {
	tr := newSpeakingTracker(40, 20*time.Millisecond)
	defer tr.Stop()

	tr.Observe([]engine.VolumeSample{{ParticipantID: 1, Level: 200}})
	if got := tr.Speaking(); len(got) != 1 {
		t.Fatalf("speaking = %v, want [1]", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Speaking()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry never decayed out of the speaking set")
}

func TestSpeakingTrackerQualifyingSamplesKeepEntryAlive(t *testing.T) {
	tr := newSpeakingTracker(40, 50*time.Millisecond)
	defer tr.Stop()

	for i := 0; i < 5; i++ {
		tr.Observe([]engine.VolumeSample{{ParticipantID: 1, Level: 100}})
		time.Sleep(20 * time.Millisecond) // < decay, entry refreshed each time
		if got := tr.Speaking(); len(got) != 1 {
			t.Fatalf("iteration %d: speaking = %v, want [1]", i, got)
		}
	}
}

func TestSpeakingTrackerForgetAndReset(t *testing.T) {
	tr := newSpeakingTracker(40, time.Minute)
	defer tr.Stop()

	tr.Observe([]engine.VolumeSample{
		{ParticipantID: 1, Level: 100},
		{ParticipantID: 2, Level: 100},
	})
	tr.Forget(1)
	if got := tr.Speaking(); len(got) != 1 || got[0] != 2 {
		t.Errorf("after Forget(1): speaking = %v, want [2]", got)
	}
	tr.Reset()
	if got := tr.Speaking(); len(got) != 0 {
		t.Errorf("after Reset: speaking = %v, want empty", got)
	}
}
