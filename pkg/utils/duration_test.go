package utils

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		// Bare numbers are seconds
		{"0", 0, false},
		{"30", 30 * time.Second, false},

		// Go duration syntax
		{"500ms", 500 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{" 5m ", 5 * time.Minute, false},

		// Days
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},

		// Errors
		{"", 0, true},
		{"-5", 0, true},
		{"-1s", 0, true},
		{"abc", 0, true},
		{"3d3x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{-time.Second, "invalid"},
		{1500 * time.Millisecond, "1.5s"},
		{48 * time.Hour, "2d"},
		{26 * time.Hour, "1d2h0m0s"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.input); got != tt.expected {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseDurationWithDefault(t *testing.T) {
	if got := ParseDurationWithDefault("", time.Minute); got != time.Minute {
		t.Errorf("empty input = %v, want 1m", got)
	}
	if got := ParseDurationWithDefault("nope", time.Minute); got != time.Minute {
		t.Errorf("invalid input = %v, want 1m", got)
	}
	if got := ParseDurationWithDefault("2d", time.Minute); got != 48*time.Hour {
		t.Errorf("2d = %v, want 48h", got)
	}
}
