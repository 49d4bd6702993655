package geom

import (
	"math"
	"testing"
)

func TestDistances(t *testing.T) {
	a := V(0, 0, 0)
	b := V(3, 12, 4)
	if got := DistXZ(a, b); got != 5 {
		t.Fatalf("DistXZ=%v want 5", got)
	}
	if got := Dist(a, b); got != 13 {
		t.Fatalf("Dist=%v want 13", got)
	}
}

func TestFinite(t *testing.T) {
	if !V(1, 2, 3).Finite() {
		t.Fatalf("expected finite")
	}
	if V(math.NaN(), 0, 0).Finite() {
		t.Fatalf("NaN must not be finite")
	}
	if V(0, math.Inf(-1), 0).Finite() {
		t.Fatalf("Inf must not be finite")
	}
}

func TestArrayRoundTrip(t *testing.T) {
	v := FromArray([3]float64{1.5, -2, 7})
	if v.ToArray() != [3]float64{1.5, -2, 7} {
		t.Fatalf("unexpected array: %v", v.ToArray())
	}
}
