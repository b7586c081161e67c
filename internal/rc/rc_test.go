package rc

import (
	"errors"
	"fmt"
	"testing"
)

func TestFirstKeepsEarliestError(t *testing.T) {
	var f First
	if f.Err() != nil {
		t.Fatalf("zero First has error %v", f.Err())
	}

	f.Add(nil)
	first := fmt.Errorf("unhook irq 3: %w", ErrSoftware)
	f.Add(first)
	f.Add(errors.New("later"))

	if got := f.Err(); got != first {
		t.Fatalf("Err() = %v, want %v", got, first)
	}
}

func TestUnsupported(t *testing.T) {
	wrapped := fmt.Errorf("reset: hot reset of 0000:01:00.0: %w", ErrUnsupportedHardwareFeature)
	if !Unsupported(wrapped) {
		t.Fatalf("Unsupported(%v) = false, want true", wrapped)
	}
	if Unsupported(ErrTimeout) {
		t.Fatalf("Unsupported(ErrTimeout) = true, want false")
	}
}
