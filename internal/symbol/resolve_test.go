package symbol

import "testing"

func TestResolve(t *testing.T) {
	got := Resolve(SelfAddr(0x7f0000001234), SelfAddr(0x7f0000000000), TargetAddr(0x55a000000000))
	want := TargetAddr(0x55a000001234)
	if got != want {
		t.Fatalf("Resolve = %#x, want %#x", got, want)
	}
}

func TestResolve_NegativeOffsetWithinLibrary(t *testing.T) {
	// Symbol address below the recorded base would be a resolver bug
	// upstream, but the arithmetic itself must still not panic or wrap
	// incorrectly for small negative deltas (library headers can appear
	// below the first executable segment's reported base in some maps).
	got := Resolve(SelfAddr(0x7f0000000ff0), SelfAddr(0x7f0000001000), TargetAddr(0x55a000001000))
	want := TargetAddr(0x55a000000ff0)
	if got != want {
		t.Fatalf("Resolve = %#x, want %#x", got, want)
	}
}
