package mathx

import (
	"math"
	"testing"
)

func TestClamp(t *testing.T) {
	if got := Clamp(12, 0, 8); got != 8 {
		t.Fatalf("Clamp(12,0,8) = %d", got)
	}
	if got := Clamp(-1, 8, 0); got != 0 {
		t.Fatalf("swapped bounds: got %d", got)
	}
	if got := Clamp(uint8(5), 0, 8); got != 5 {
		t.Fatalf("in range: got %d", got)
	}
	if !Between(3, 5, 1) || Between(6, 1, 5) {
		t.Fatal("Between failure")
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(0, 1000) != 1000 || OrDefault(-3, 7) != 7 || OrDefault(42, 7) != 42 {
		t.Fatal("OrDefault failure")
	}
}

func TestLerp(t *testing.T) {
	cases := []struct{ x, want float64 }{
		{0, 1.0},
		{800, 1.0},
		{1650, 2.375},
		{2500, 3.75},
		{9000, 3.75},
	}
	for _, c := range cases {
		got := Lerp(c.x, 800, 2500, 1.0, 3.75)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Lerp(%v) = %v, want %v", c.x, got, c.want)
		}
	}
}
