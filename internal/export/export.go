// Package export renders transcripts as SRT, WebVTT and plain text.
//
// All renderers are pure functions of the transcript: the same input always
// produces byte-identical output.
package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/snarg/transcriptor/internal/transcript"
)

// Format identifies an export format.
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
	FormatTXT Format = "txt"
)

// SpeakerLabel prefixes speaker ids in every export.
const SpeakerLabel = "Hablante"

// ParseFormat accepts srt, vtt or txt in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSRT, FormatVTT, FormatTXT:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q: must be srt, vtt or txt", s)
	}
}

// FileName is the download name used for the format.
func (f Format) FileName() string {
	return "transcripcion_diarizacion." + string(f)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatVTT {
		return "text/vtt; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Render dispatches to the renderer for f.
func Render(f Format, t *transcript.Transcript) (string, error) {
	switch f {
	case FormatSRT:
		return SRT(t), nil
	case FormatVTT:
		return VTT(t), nil
	case FormatTXT:
		return TXT(t), nil
	default:
		return "", fmt.Errorf("unknown export format %q", f)
	}
}

// FormatTimestamp renders seconds as HH:MM:SS<sep>mmm. Milliseconds are
// truncated, not rounded. Hours are not wrapped; values of 100 hours or more
// widen the field.
func FormatTimestamp(seconds float64, sep string) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	whole := math.Floor(seconds)
	hours := int(whole / 3600)
	minutes := int(math.Mod(whole, 3600) / 60)
	secs := int(math.Mod(whole, 60))
	millis := int((seconds - whole) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hours, minutes, secs, sep, millis)
}

// SRTTime formats seconds with a comma millisecond separator.
func SRTTime(seconds float64) string { return FormatTimestamp(seconds, ",") }

// VTTTime formats seconds with a period millisecond separator.
func VTTTime(seconds float64) string { return FormatTimestamp(seconds, ".") }

func speaker(id string) string { return SpeakerLabel + " " + id }

// SRT renders numbered cues separated by blank lines.
func SRT(t *transcript.Transcript) string {
	if t.Empty() {
		return ""
	}
	cues := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		cues[i] = fmt.Sprintf("%d\n%s --> %s\n[%s] %s\n",
			i+1, SRTTime(s.Offset), SRTTime(s.End()), speaker(s.SpeakerID), s.Text)
	}
	return strings.Join(cues, "\n")
}

// VTT renders a WEBVTT document with voice-tagged cues. An empty transcript
// yields the header alone.
func VTT(t *transcript.Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	if t.Empty() {
		return b.String()
	}
	cues := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		cues[i] = fmt.Sprintf("%s --> %s\n<v %s>%s\n",
			VTTTime(s.Offset), VTTTime(s.End()), speaker(s.SpeakerID), s.Text)
	}
	b.WriteString(strings.Join(cues, "\n"))
	return b.String()
}

// TXT renders one "[start] Hablante id: text" paragraph per segment.
func TXT(t *transcript.Transcript) string {
	if t.Empty() {
		return ""
	}
	lines := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		lines[i] = fmt.Sprintf("[%s] %s: %s", SRTTime(s.Offset), speaker(s.SpeakerID), s.Text)
	}
	return strings.Join(lines, "\n\n")
}

// Preview truncates rendered output to n runes and appends "...".
func Preview(content string, n int) string {
	r := []rune(content)
	if len(r) > n {
		r = r[:n]
	}
	return string(r) + "..."
}
