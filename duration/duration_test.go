package duration

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestRoundtripNoneReference(t *testing.T) {
	ts := unix.Timespec{Sec: 1234, Nsec: 5678}
	d := FromTimespec(ts)
	got := d.ToTimespec(None)
	if got.Sec != ts.Sec || got.Nsec != ts.Nsec {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, ts)
	}
}

func TestSaturatingAdd(t *testing.T) {
	got := Max.Add(FromSeconds(1))
	if !got.Equal(Max) {
		t.Fatalf("Max+1 should saturate at Max, got %+v", got)
	}
}

func TestSaturatingSub(t *testing.T) {
	got := Zero.Sub(FromSeconds(1))
	if !got.Equal(Zero) {
		t.Fatalf("Zero-1 should saturate at Zero, got %+v", got)
	}
}

func TestFromMillis(t *testing.T) {
	d := FromMillis(1500)
	if d.Seconds() != 1 || d.Nanos() != 500_000_000 {
		t.Fatalf("FromMillis(1500) = %+v, want {1, 5e8}", d)
	}
}

func TestLessAndEqual(t *testing.T) {
	a := FromMillis(100)
	b := FromMillis(200)
	if !a.Less(b) {
		t.Fatalf("expected %+v < %+v", a, b)
	}
	if a.Equal(b) {
		t.Fatalf("did not expect %+v == %+v", a, b)
	}
	if !a.Equal(FromMillis(100)) {
		t.Fatalf("expected equal durations to compare equal")
	}
}
