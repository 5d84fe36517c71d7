package models

import "time"

// TextEvent is one free-text entry (typically one word)
type TextEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// DrawingEvent references a drawing image already saved in the session directory
type DrawingEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"` // Relative to the eeg/ directory
}

// TagEvent records the full tag set after a change during the session
type TagEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags"`
}

// ControlKind distinguishes control signals travelling through the event buffer
type ControlKind int

const (
	// ControlStop ends the drain loop once every earlier entry has been routed
	ControlStop ControlKind = iota
	// ControlError reports a stream read failure of the given generation
	ControlError
	// ControlBind announces the generation of the stream client bound from now on
	ControlBind
)

// String returns a human-readable representation of the control kind
func (k ControlKind) String() string {
	switch k {
	case ControlStop:
		return "stop"
	case ControlError:
		return "error"
	case ControlBind:
		return "bind"
	default:
		return "unknown"
	}
}

// ControlSignal steers the drain loop
type ControlSignal struct {
	Kind       ControlKind
	Generation uint64
	StreamID   string
	Err        error
}

// EntryKind tags the Entry union
type EntryKind int

const (
	EntryText EntryKind = iota
	EntryDrawing
	EntrySamples
	EntryQuality
	EntryTags
	EntryControl
)

// String returns the modality name used in logs and metric labels
func (k EntryKind) String() string {
	switch k {
	case EntryText:
		return "text"
	case EntryDrawing:
		return "drawing"
	case EntrySamples:
		return "samples"
	case EntryQuality:
		return "quality"
	case EntryTags:
		return "tags"
	case EntryControl:
		return "control"
	default:
		return "unknown"
	}
}

// Entry is one element of the event buffer. Exactly one payload matches Kind.
type Entry struct {
	Kind    EntryKind
	Text    *TextEvent
	Drawing *DrawingEvent
	Samples *SampleBatch
	Quality *QualitySample
	Tags    *TagEvent
	Control *ControlSignal
}

// Droppable reports whether the buffer may evict the entry under pressure
func (e Entry) Droppable() bool {
	return e.Kind == EntryQuality
}

func TextEntry(ev TextEvent) Entry { return Entry{Kind: EntryText, Text: &ev} }
func DrawingEntry(ev DrawingEvent) Entry { return Entry{Kind: EntryDrawing, Drawing: &ev} }
func SamplesEntry(b SampleBatch) Entry { return Entry{Kind: EntrySamples, Samples: &b} }
func QualityEntry(q QualitySample) Entry { return Entry{Kind: EntryQuality, Quality: &q} }
func TagsEntry(ev TagEvent) Entry { return Entry{Kind: EntryTags, Tags: &ev} }
func ControlEntry(sig ControlSignal) Entry { return Entry{Kind: EntryControl, Control: &sig} }
