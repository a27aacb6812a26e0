package mqttclient

import "testing"

func TestTopic(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		parts  []string
		want   string
	}{
		{"simple", "transcriptor", []string{"runs/finished"}, "transcriptor/runs/finished"},
		{"slashes_trimmed", "/transcriptor/", []string{"/runs/", "finished"}, "transcriptor/runs/finished"},
		{"no_prefix", "", []string{"summaries"}, "summaries"},
		{"empty_parts_skipped", "t", []string{"", "x", " "}, "t/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Topic(tt.prefix, tt.parts...); got != tt.want {
				t.Errorf("Topic(%q, %q) = %q, want %q", tt.prefix, tt.parts, got, tt.want)
			}
		})
	}
}
