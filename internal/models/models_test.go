package models

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"Charging", StatusCharging, true},
		{"SUSPENDED_EVSE", StatusSuspendedEVSE, true},
		{" available ", StatusAvailable, true},
		{"bogus", "bogus", false},
		{"", "", false},
		{"SuspendedEV", "suspendedev", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseStatus(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseStatus(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}
