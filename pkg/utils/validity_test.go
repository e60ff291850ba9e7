package utils

import (
	"testing"
	"time"
)

func TestParseValidity(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		// Never expires
		{"", 0, false},
		{"0", 0, false},
		{"never", 0, false},
		{"NEVER", 0, false},

		// Go durations
		{"90m", 90 * time.Minute, false},
		{"12h", 12 * time.Hour, false},

		// Calendar units
		{"1d", Day, false},
		{"30d", 30 * Day, false},
		{"30 days", 30 * Day, false},
		{"2w", 2 * Week, false},
		{"6mo", 6 * Month, false},
		{"1y", Year, false},
		{"1.5y", Year + Year/2, false},

		// Invalid
		{"abc", 0, true},
		{"10x", 0, true},
		{"-5h", 0, true},
		{"d", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseValidity(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseValidity(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseValidity(%q) unexpected error: %v", tt.input, err)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseValidity(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatRemaining(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		expire   int64
		expected string
	}{
		{0, "never expires"},
		{now.Unix() - 1, "expired"},
		{now.Add(30 * time.Minute).Unix(), "30 minutes"},
		{now.Add(5 * time.Hour).Unix(), "5 hours"},
		{now.Add(10 * Day).Unix(), "10 days"},
		{now.Add(2 * Year).Unix(), "2.0 years"},
	}

	for _, tt := range tests {
		if got := FormatRemaining(tt.expire, now); got != tt.expected {
			t.Errorf("FormatRemaining(%d) = %q, want %q", tt.expire, got, tt.expected)
		}
	}
}
