package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	c := NewFakeClock(start)

	if c.Now().Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", c.Now().Location())
	}
	c.Advance(15 * 24 * time.Hour)
	if got, want := c.Now(), start.UTC().Add(15*24*time.Hour); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	if loc := (SystemClock{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}
