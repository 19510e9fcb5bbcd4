// Package engine defines the contract the session coordinator drives a real-time
// audio engine through. The module never implements media transport itself: a
// production build wraps a native SDK behind this interface, tests and the
// voicesyncd harness use Loopback.
package engine

// Config carries what the underlying engine needs at initialisation time.
type Config struct {
	AppID string
}

// VolumeSample is one participant's audio level in a volume indication batch.
// Levels are 0-255 as reported by the engine.
type VolumeSample struct {
	ParticipantID int32
	Level         int
}

// Every event needs a type to distinguish what kind of engine callback it is.
type Event interface {
	EventType() string
}

// JoinSucceeded fires once the engine has actually connected to the channel.
// ParticipantID echoes the handle the engine assigned; 0 means "as requested".
type JoinSucceeded struct {
	ParticipantID int32
}

func (*JoinSucceeded) EventType() string { return "JoinSucceeded" }

type ParticipantJoined struct {
	ParticipantID int32
}

func (*ParticipantJoined) EventType() string { return "ParticipantJoined" }

type ParticipantLeft struct {
	ParticipantID int32
}

func (*ParticipantLeft) EventType() string { return "ParticipantLeft" }

type VolumeIndication struct {
	Samples []VolumeSample
}

func (*VolumeIndication) EventType() string { return "VolumeIndication" }

type ActiveSpeakerChanged struct {
	ParticipantID int32
}

func (*ActiveSpeakerChanged) EventType() string { return "ActiveSpeakerChanged" }

type EngineError struct {
	Code    int
	Message string
}

func (*EngineError) EventType() string { return "EngineError" }

// Engine is the audio engine adapter. Join is asynchronous: a nil return means
// the attempt was accepted, the connection is only live once JoinSucceeded
// arrives on Events.
type Engine interface {
	Initialize(cfg Config) error
	EnableAudio() error
	Join(token *string, roomID string, participantID int32) error
	Leave() error
	MuteLocal(muted bool) error
	SetSpeakerphone(on bool) error
	Release() error
	// Events delivers engine callbacks. The channel is owned by the engine and
	// closed on Release.
	Events() <-chan Event
}
