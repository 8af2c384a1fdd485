package procfs

import (
	"context"
	"math"
	"os"
	"testing"
)

func TestValidateTarget_LiveProcessSucceeds(t *testing.T) {
	info, err := ValidateTarget(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("ValidateTarget(self): %v", err)
	}
	if info.Comm == "" {
		t.Error("expected a non-empty process name for the running test binary")
	}
	if info.Status == "zombie" || info.Status == "Z" {
		t.Errorf("test binary reported as zombie: %+v", info)
	}
}

func TestValidateTarget_UnknownPIDFails(t *testing.T) {
	// A pid this large cannot exist on a 32-bit pid_max system.
	_, err := ValidateTarget(context.Background(), math.MaxInt32-1)
	if err == nil {
		t.Fatal("expected an error for a nonexistent pid")
	}
}

func TestValidateTarget_RejectsZeroPID(t *testing.T) {
	_, err := ValidateTarget(context.Background(), 0)
	if err == nil {
		t.Fatal("expected an error for pid 0")
	}
}
