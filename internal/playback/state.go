package playback

import (
	"fmt"
	"time"
)

// State is the playback state.
type State int

const (
	// StateIdle means no timeline is set.
	StateIdle State = iota

	// StatePaused means a timeline is set and nothing is sounding.
	StatePaused

	// StatePlaying means audio is sounding.
	StatePlaying
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Unit is the granularity of a skip.
type Unit string

const (
	UnitWord      Unit = "word"
	UnitSentence  Unit = "sentence"
	UnitParagraph Unit = "paragraph"
)

// ParseUnit parses a skip unit name.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(s); u {
	case UnitWord, UnitSentence, UnitParagraph:
		return u, nil
	}
	return "", fmt.Errorf("unknown skip unit %q", s)
}

// Direction of a skip.
type Direction int

const (
	Backward Direction = -1
	Forward  Direction = 1
)

// ParseDirection accepts "forward"/"next" and "backward"/"back"/"prev".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward", "next":
		return Forward, nil
	case "backward", "back", "prev":
		return Backward, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// EventKind identifies a controller event.
type EventKind string

const (
	EventTime          EventKind = "time"
	EventToken         EventKind = "token"
	EventState         EventKind = "state"
	EventBufferRequest EventKind = "buffer"
)

// Event is a change reported by the controller. Only the field matching
// Kind is meaningful.
type Event struct {
	Kind  EventKind     `json:"kind"`
	Time  time.Duration `json:"time,omitempty"`
	Token int           `json:"token"`
	State State         `json:"state"`
}

// Callbacks receive controller events. Any of them may be nil. They are
// called outside the controller lock and may call back into it.
type Callbacks struct {
	OnTime          func(time.Duration)
	OnToken         func(int)
	OnStateChange   func(State)
	OnBufferRequest func(time.Duration)
}

// Snapshot is a derived view of playback for display.
type Snapshot struct {
	State     State         `json:"state"`
	Token     int           `json:"token"`
	Offset    time.Duration `json:"offset"`
	Duration  time.Duration `json:"duration"`
	Rate      float64       `json:"rate"`
	Buffering bool          `json:"buffering"`
}
