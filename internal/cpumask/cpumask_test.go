package cpumask

import "testing"

func TestMaskBasics(t *testing.T) {
	m := Of(0, 3, 5)
	if m.Weight() != 3 || m.First() != 0 || m.Last() != 5 {
		t.Fatalf("unexpected mask %v: weight=%d first=%d last=%d", m, m.Weight(), m.First(), m.Last())
	}
	if !m.Has(3) || m.Has(4) {
		t.Fatalf("Has mismatch for %v", m)
	}
	m = m.Without(0)
	if m.First() != 3 {
		t.Fatalf("First after Without = %d", m.First())
	}
	if Mask(0).First() != -1 || Mask(0).Last() != -1 {
		t.Fatalf("empty mask must report -1")
	}
	if m.With(64) != m || m.Has(-1) {
		t.Fatalf("out of range CPUs must be ignored")
	}
}

func TestMaskSetOps(t *testing.T) {
	a := Range(0, 3)
	b := Of(2, 3, 4)
	if a.And(b) != Of(2, 3) {
		t.Fatalf("And = %v", a.And(b))
	}
	if a.AndNot(b) != Of(0, 1) {
		t.Fatalf("AndNot = %v", a.AndNot(b))
	}
	if !Of(1, 2).Subset(a) || b.Subset(a) {
		t.Fatalf("Subset mismatch")
	}
	if !a.Intersects(b) || a.Intersects(Of(7)) {
		t.Fatalf("Intersects mismatch")
	}
}

func TestForEachStops(t *testing.T) {
	var seen []int
	Range(0, 7).ForEach(func(cpu int) bool {
		seen = append(seen, cpu)
		return cpu < 2
	})
	if len(seen) != 3 {
		t.Fatalf("ForEach visited %v", seen)
	}
}

func TestStringRoundTrip(t *testing.T) {
	m := Of(0, 1, 2, 3, 6)
	if m.String() != "0-3,6" {
		t.Fatalf("String = %q", m.String())
	}
	p, err := Parse("0-3,6")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p != m {
		t.Fatalf("Parse = %v, want %v", p, m)
	}
}
