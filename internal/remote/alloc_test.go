//go:build linux && amd64

package remote

import "testing"

func TestIsErrnoReturn(t *testing.T) {
	cases := []struct {
		name string
		ret  uint64
		want bool
	}{
		{"mapped address", 0x00007f1234560000, false},
		{"zero (munmap success)", 0, false},
		{"small positive length", 4096, false},
		{"enomem", uint64(int64(-12)), true},
		{"eperm", uint64(int64(-1)), true},
		{"boundary just inside errno range", errnoFloor, true},
		{"boundary just outside errno range", errnoFloor - 1, false},
	}
	for _, c := range cases {
		if got := isErrnoReturn(c.ret); got != c.want {
			t.Errorf("%s: isErrnoReturn(%#x) = %v, want %v", c.name, c.ret, got, c.want)
		}
	}
}
