package main

import (
	"testing"
	"time"
)

func TestSelectDuration(t *testing.T) {
	tests := []struct {
		name     string
		override time.Duration
		first    int64
		last     int64
		want     time.Duration
	}{
		{"override takes precedence", 30 * time.Second, 0, 90000 * 25, 30 * time.Second},
		{"PTS span used when no override", 0, 90000, 90000 * 26, 25 * time.Second},
		{"default when PTS missing", 0, -1, 0, defaultDuration},
		{"default when span empty", 0, 500, 500, defaultDuration},
		{"negative override ignored", -time.Second, 0, 45000, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectDuration(tt.override, tt.first, tt.last)
			if got != tt.want {
				t.Errorf("selectDuration(%v, %d, %d) = %v, want %v",
					tt.override, tt.first, tt.last, got, tt.want)
			}
		})
	}
}
