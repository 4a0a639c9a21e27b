package pipeline

import "testing"

func TestWorst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusSuccess},
		{"all skipped", []Status{StatusSkipped, StatusSkipped}, StatusSuccess},
		{"success and unstable", []Status{StatusSuccess, StatusUnstable}, StatusUnstable},
		{"failure beats unstable", []Status{StatusUnstable, StatusFailure, StatusSuccess}, StatusFailure},
		{"aborted beats failure", []Status{StatusFailure, StatusAborted}, StatusAborted},
		{"non-terminal ignored", []Status{StatusRunning, StatusPending}, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Worst(tt.in...); got != tt.want {
				t.Errorf("Worst(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	if StatusRunning.Terminal() || StatusRetrying.Terminal() || StatusPending.Terminal() {
		t.Error("pending/running/retrying must not be terminal")
	}
	for _, s := range []Status{StatusSuccess, StatusFailure, StatusUnstable, StatusSkipped, StatusAborted} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	if !StatusFailure.Halts() || !StatusAborted.Halts() || StatusUnstable.Halts() {
		t.Error("only failure and aborted halt a sequence")
	}
}
