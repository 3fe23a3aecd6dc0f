package cleaner

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCleanRunsReleasesLIFO(t *testing.T) {
	c := New()
	var order []int
	c.AddRelease(func() { order = append(order, 1) })
	c.AddRelease(func() { order = append(order, 2) })
	c.AddRelease(func() { order = append(order, 3) })
	c.Clean()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order=%v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want %v", order, want)
		}
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	c := New()
	var calls int32
	c.AddRelease(func() { atomic.AddInt32(&calls, 1) })
	c.Clean()
	c.Clean()
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestCleanCancelsTimers(t *testing.T) {
	c := New()
	var fired int32
	c.SetTimer("t", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	c.Clean()
	time.Sleep(30 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired=%d want 0 (timer should have been cancelled)", fired)
	}
}

func TestCancelTimerIdempotent(t *testing.T) {
	c := New()
	c.SetTimer("t", time.Second, func() {})
	c.CancelTimer("t")
	c.CancelTimer("t") // must not panic
	if c.HasTimer("t") {
		t.Fatal("timer should be gone")
	}
}

func TestChildCleanedWithParent(t *testing.T) {
	parent := New()
	child := parent.AddChild()
	var childCleaned bool
	child.AddRelease(func() { childCleaned = true })

	parent.Clean()
	if !childCleaned {
		t.Fatal("cleaning parent should clean child")
	}
	if !child.Dead() {
		t.Fatal("child should be dead after parent clean")
	}
}

func TestAddChildAfterDeathCleansImmediately(t *testing.T) {
	parent := New()
	parent.Clean()
	child := parent.AddChild()
	if !child.Dead() {
		t.Fatal("child created from a dead parent should be immediately dead")
	}
}

func TestAddReleaseAfterDeathRunsImmediately(t *testing.T) {
	c := New()
	c.Clean()
	var ran bool
	c.AddRelease(func() { ran = true })
	if !ran {
		t.Fatal("AddRelease on a dead cleaner should run immediately")
	}
}
