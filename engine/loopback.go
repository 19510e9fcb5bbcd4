package engine

import (
	"fmt"
	"sync"
)

// Loopback is an Engine with no media transport: joins succeed immediately and
// audio goes nowhere. voicesyncd uses it to hold presence in a room without a
// native SDK, and tests use it as a deterministic engine double.
type Loopback struct {
	mu          sync.Mutex
	events      chan Event
	initialized bool
	joined      bool
	roomID      string
	muted       bool
	released    bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		events: make(chan Event, 64),
	}
}

func (l *Loopback) Initialize(cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return fmt.Errorf("loopback: released")
	}
	l.initialized = true
	return nil
}

func (l *Loopback) EnableAudio() error {
	return nil
}

func (l *Loopback) Join(token *string, roomID string, participantID int32) error {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return fmt.Errorf("loopback: not initialized")
	}
	if l.joined {
		l.mu.Unlock()
		return fmt.Errorf("loopback: already joined to %s", l.roomID)
	}
	l.joined = true
	l.roomID = roomID
	l.mu.Unlock()
	l.Emit(&JoinSucceeded{ParticipantID: participantID})
	return nil
}

func (l *Loopback) Leave() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joined = false
	l.roomID = ""
	return nil
}

func (l *Loopback) MuteLocal(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = muted
	return nil
}

func (l *Loopback) SetSpeakerphone(on bool) error {
	return nil
}

func (l *Loopback) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	close(l.events)
	return nil
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

// Emit injects an event as if the engine produced it. Drops the event rather
// than blocking if nobody is draining the channel.
func (l *Loopback) Emit(ev Event) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

// Joined reports whether the loopback currently holds a channel membership.
func (l *Loopback) Joined() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID, l.joined
}
