package types

import (
	"testing"
)

func TestParseQueueStatus(t *testing.T) {
	tests := []struct {
		input  string
		want   QueueStatus
		wantOK bool
	}{
		{input: "pending", want: StatusPending, wantOK: true},
		{input: " IN_PROGRESS ", want: StatusInProgress, wantOK: true},
		{input: "paused", want: StatusPaused, wantOK: true},
		{input: "running", want: "", wantOK: false},
		{input: "", want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseQueueStatus(tt.input)
			if ok != tt.wantOK {
				t.Errorf("ParseQueueStatus(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseQueueStatus(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRegion(t *testing.T) {
	if got, ok := ParseRegion("EU"); !ok || got != RegionEU {
		t.Errorf("ParseRegion(EU) = %v, %v", got, ok)
	}
	if _, ok := ParseRegion("cn"); ok {
		t.Error("ParseRegion(cn) should not be supported")
	}
}
