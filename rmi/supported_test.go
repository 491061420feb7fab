package rmi

import (
	"os"
	"testing"
)

func TestSupportedConsistency(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping platform probe in CI environment")
	}

	first, firstErr := Supported()
	t.Logf("Realm support: %v (%v)", first, firstErr)
	for i := 0; i < 3; i++ {
		got, err := Supported()
		if got != first || (err == nil) != (firstErr == nil) {
			t.Errorf("Supported() call %d = %v, %v; want %v, %v", i, got, err, first, firstErr)
		}
	}
	if firstErr != nil && first {
		t.Error("Supported() reported support together with an error")
	}
}
