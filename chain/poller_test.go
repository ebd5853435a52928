package chain

import "testing"

func TestClampPollRange(t *testing.T) {
	cases := []struct {
		name         string
		from, latest uint64
		wantFrom     uint64
		wantTo       uint64
	}{
		{"within range", 100, 150, 100, 150},
		{"exactly max range", 100, 199, 100, 199},
		{"one over: clamped", 100, 200, 100, 199},
		{"moderately behind: gradual catch-up", 100, 900, 100, 199},
		{"exactly at skip-ahead bound", 1, 1000, 1, 100},
		{"hopelessly behind: skip ahead", 1, 5000, 4901, 5000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			from, to := clampPollRange(c.from, c.latest)
			if from != c.wantFrom || to != c.wantTo {
				t.Errorf("clampPollRange(%d, %d) = (%d, %d), want (%d, %d)",
					c.from, c.latest, from, to, c.wantFrom, c.wantTo)
			}
			if to-from+1 > maxPollRange {
				t.Errorf("clamped range %d exceeds maxPollRange", to-from+1)
			}
		})
	}
}
