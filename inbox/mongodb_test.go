package inbox

import "testing"

func TestExcessWindow(t *testing.T) {
	cases := []struct {
		name  string
		total int64
		keep  int64
		limit int
		want  int
	}{
		{"under cap", 80, 100, 20, 0},
		{"exactly at cap", 100, 100, 20, 0},
		{"excess smaller than batch", 105, 100, 20, 5},
		{"excess larger than batch", 150, 100, 20, 20},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := excessWindow(c.total, c.keep, c.limit); got != c.want {
				t.Errorf("excessWindow(%d, %d, %d) = %d, want %d", c.total, c.keep, c.limit, got, c.want)
			}
		})
	}
}
