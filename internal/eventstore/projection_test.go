package eventstore

import "testing"

func TestClampListLimit(t *testing.T) {
	cases := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero falls back to default", 0, defaultListLimit},
		{"negative falls back to default", -5, defaultListLimit},
		{"small limit kept", 1, 1},
		{"mid-range limit kept", 150, 150},
		{"cap itself kept", maxListLimit, maxListLimit},
		{"oversized clamps to cap, not default", 250, maxListLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clampListLimit(tc.limit); got != tc.want {
				t.Fatalf("clampListLimit(%d) = %d, want %d", tc.limit, got, tc.want)
			}
		})
	}
}
