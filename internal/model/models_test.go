package model

import "testing"

func TestAveragePrice(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
		wantOK bool
	}{
		{"out of stock excluded", []float64{1000, -1, 2000}, 1500, true},
		{"only invalid", []float64{-1, 0}, 0, false},
		{"empty", nil, 0, false},
		{"single", []float64{12500}, 12500, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AveragePrice(tt.prices)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("AveragePrice(%v) = (%v, %v), want (%v, %v)", tt.prices, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestIsAcceptedPrice(t *testing.T) {
	cases := map[float64]bool{
		1250:  true,
		-1:    true,
		0:     false,
		-5:    false,
		0.001: true,
	}
	for p, want := range cases {
		if got := IsAcceptedPrice(p); got != want {
			t.Errorf("IsAcceptedPrice(%v) = %v, want %v", p, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"گوشی موبایل", 4, "گوشی"},
		{"unlimited", 0, "unlimited"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
