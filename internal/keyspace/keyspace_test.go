package keyspace

import "testing"

func TestIsOrderedNonWrapping(t *testing.T) {
	cases := []struct {
		val  Key
		want bool
	}{
		{"10", false},
		{"20", true},
		{"25", true},
		{"30", false},
		{"31", false},
	}
	for _, c := range cases {
		got := IsOrdered("20", true, c.val, "30", false)
		if got != c.want {
			t.Errorf("IsOrdered(20,true,%s,30,false) = %v, want %v", c.val, got, c.want)
		}
	}
}

func TestIsOrderedWrapping(t *testing.T) {
	// Arc from "90" to "10" wraps past the top of the ring.
	cases := []struct {
		val  Key
		want bool
	}{
		{"95", true},
		{"00", true},
		{"05", true},
		{"10", false},
		{"50", false},
	}
	for _, c := range cases {
		got := IsOrdered("90", true, c.val, "10", false)
		if got != c.want {
			t.Errorf("IsOrdered(90,true,%s,10,false) = %v, want %v", c.val, got, c.want)
		}
	}
}

func TestIsOrderedDegenerateFullRing(t *testing.T) {
	if !IsOrdered("50", true, "99", "50", false) {
		t.Fatal("from==to with mismatched inclusivity should cover the whole ring")
	}
	if !IsOrdered("50", false, "01", "50", true) {
		t.Fatal("from==to with mismatched inclusivity should cover the whole ring")
	}
}

func TestIsOrderedDegenerateSingleton(t *testing.T) {
	if !IsOrdered("50", true, "50", "50", true) {
		t.Fatal("from==to both inclusive should include only val==from")
	}
	if IsOrdered("50", true, "51", "50", true) {
		t.Fatal("from==to both inclusive should exclude anything but val==from")
	}
}

func TestResponsible(t *testing.T) {
	if !Responsible("20", "30", "25") {
		t.Fatal("25 should be owned by [20,30)")
	}
	if Responsible("20", "30", "30") {
		t.Fatal("30 should be owned by the right neighbor, not [20,30)")
	}
	if !Responsible("20", "30", "20") {
		t.Fatal("20 is inclusive of the left bound")
	}
}

func TestSortFrom(t *testing.T) {
	keys := []Key{"5", "1", "9", "3", "7"}
	got := SortFrom(keys, "4", false)
	want := []Key{"5", "7", "9", "1", "3"}
	if len(got) != len(want) {
		t.Fatalf("len(got)=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortFrom = %v, want %v", got, want)
		}
	}
}

func TestClosestPreceding(t *testing.T) {
	keys := []Key{"10", "20", "30", "40"}
	got, ok := ClosestPreceding(keys, "35", false)
	if !ok || got != "30" {
		t.Fatalf("ClosestPreceding = %v,%v want 30,true", got, ok)
	}
	// Wrap-around: target smaller than every key.
	got, ok = ClosestPreceding(keys, "05", false)
	if !ok || got != "40" {
		t.Fatalf("ClosestPreceding wraparound = %v,%v want 40,true", got, ok)
	}
}
