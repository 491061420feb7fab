//go:build !linux || !arm64

package rmi

import "fmt"

// Supported returns false on platforms without Realm support.
func Supported() (bool, error) {
	return false, fmt.Errorf("rmi: realms not supported on this platform")
}
