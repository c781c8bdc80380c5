package token

import (
	"testing"
	"time"
)

func TestFormatTimeRemaining(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		left time.Duration
		want string
	}{
		{name: "hours and minutes", left: 23*time.Hour + 59*time.Minute + 30*time.Second, want: "23h 59m"},
		{name: "exact hours", left: 2 * time.Hour, want: "2h 0m"},
		{name: "minutes only", left: 45*time.Minute + 10*time.Second, want: "45m"},
		{name: "under a minute", left: 30 * time.Second, want: "0m"},
		{name: "now", left: 0, want: "Expired"},
		{name: "past", left: -time.Minute, want: "Expired"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatTimeRemaining(now.Add(tc.left), now); got != tc.want {
				t.Fatalf("FormatTimeRemaining(+%s)=%q want=%q", tc.left, got, tc.want)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicySingleUse},
		{in: "single_use", want: PolicySingleUse},
		{in: "Multi-Use", want: PolicyMultiUse},
		{in: "forever", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParsePolicy(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("ParsePolicy(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
