package transcript

// Summary modes accepted by the summarization backend.
const (
	ModeExtractive  = "extractive"
	ModeAbstractive = "abstractive"
)

// Summary is derived from exactly one Transcript and is cleared whenever a new
// transcript replaces it.
type Summary struct {
	Text         string `json:"text"`
	Mode         string `json:"mode"`
	SourceWords  int    `json:"source_words"`
	SummaryWords int    `json:"summary_words"`
}

// NewSummary builds a Summary and its word statistics from the source text.
func NewSummary(sourceText, summaryText, mode string) *Summary {
	return &Summary{
		Text:         summaryText,
		Mode:         mode,
		SourceWords:  WordCount(sourceText),
		SummaryWords: WordCount(summaryText),
	}
}

// Reduction returns the percentage of words removed by summarization.
// Returns 0 when the source had no words.
func (s *Summary) Reduction() float64 {
	if s == nil || s.SourceWords == 0 {
		return 0
	}
	return (1 - float64(s.SummaryWords)/float64(s.SourceWords)) * 100
}
