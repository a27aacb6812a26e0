package transcript

import (
	"math"
	"strings"
)

// UnknownSpeaker is assigned when the recognition backend omits a speaker id.
const UnknownSpeaker = "Desconocido"

// Segment is one recognized utterance attributed to a speaker.
type Segment struct {
	SpeakerID string  `json:"speaker"`
	Offset    float64 `json:"offset"`   // seconds from stream start
	Duration  float64 `json:"duration"` // seconds
	Text      string  `json:"text"`
}

// End returns the end time of the segment in seconds.
func (s Segment) End() float64 { return s.Offset + s.Duration }

// Transcript is the ordered result of one transcription run. Segments are kept
// in the order the backend delivered them, which is non-decreasing offset order.
type Transcript struct {
	Segments []Segment `json:"segments"`
}

// New wraps segments in a Transcript. A nil slice yields an empty transcript.
func New(segments []Segment) *Transcript {
	if segments == nil {
		segments = []Segment{}
	}
	return &Transcript{Segments: segments}
}

// Len returns the number of segments.
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Segments)
}

// Empty reports whether no speech was recognized.
func (t *Transcript) Empty() bool { return t.Len() == 0 }

// FullText joins every segment's text with single spaces. This is the document
// submitted for summarization.
func (t *Transcript) FullText() string {
	if t.Empty() {
		return ""
	}
	parts := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// Speakers returns the distinct speaker ids in order of first appearance.
func (t *Transcript) Speakers() []string {
	if t.Empty() {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, s := range t.Segments {
		if !seen[s.SpeakerID] {
			seen[s.SpeakerID] = true
			ids = append(ids, s.SpeakerID)
		}
	}
	return ids
}

// BySpeaker groups segments per speaker id, preserving order within each group.
func (t *Transcript) BySpeaker() map[string][]Segment {
	groups := make(map[string][]Segment)
	if t.Empty() {
		return groups
	}
	for _, s := range t.Segments {
		groups[s.SpeakerID] = append(groups[s.SpeakerID], s)
	}
	return groups
}

// End returns the latest segment end time in seconds.
func (t *Transcript) End() float64 {
	var end float64
	if t.Empty() {
		return 0
	}
	for _, s := range t.Segments {
		end = math.Max(end, s.End())
	}
	return end
}

// Ordered reports whether segment offsets are non-decreasing.
func (t *Transcript) Ordered() bool {
	if t.Empty() {
		return true
	}
	for i := 1; i < len(t.Segments); i++ {
		if t.Segments[i].Offset < t.Segments[i-1].Offset {
			return false
		}
	}
	return true
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
