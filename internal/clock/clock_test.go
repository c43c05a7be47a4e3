package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	early := m.After(50 * time.Millisecond)
	late := m.After(200 * time.Millisecond)

	m.Advance(100 * time.Millisecond)
	select {
	case at := <-early:
		if !at.Equal(start.Add(100 * time.Millisecond)) {
			t.Fatalf("unexpected fire time %s", at)
		}
	default:
		t.Fatal("waiter due at +50ms did not fire after advancing 100ms")
	}
	select {
	case <-late:
		t.Fatal("waiter due at +200ms fired too early")
	default:
	}

	m.Advance(100 * time.Millisecond)
	select {
	case <-late:
	default:
		t.Fatal("waiter due at +200ms did not fire after advancing 200ms")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("After(0) must fire without an Advance")
	}
}
