package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	VolumeOpened Type = iota + 1
	VolumeChanged
	MemberStarted
	MemberCompleted
	MemberFailed
	MemberSkipped
	MemberDiffers
	SparseDetected
	EndOfArchive
)

var typeNames = [...]string{
	VolumeOpened:    "VolumeOpened",
	VolumeChanged:   "VolumeChanged",
	MemberStarted:   "MemberStarted",
	MemberCompleted: "MemberCompleted",
	MemberFailed:    "MemberFailed",
	MemberSkipped:   "MemberSkipped",
	MemberDiffers:   "MemberDiffers",
	SparseDetected:  "SparseDetected",
	EndOfArchive:    "EndOfArchive",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Archive   string // archive volume name
	Path      string // member name
	Size      int64  // logical member size
	Volume    int64  // global volume number, 1-based
	Ordinal   int64  // block ordinal of the member header
	Error     error
}

// Sink receives events. A nil Sink discards them.
type Sink chan<- Event

// Emit sends ev on the sink, stamping it if needed. It never blocks on a
// nil sink.
func (s Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s <- ev
}
