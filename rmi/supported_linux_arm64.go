//go:build linux && arm64

package rmi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	kvmDevice         = "/dev/kvm"
	kvmCheckExtension = 0xAE03 // _IO(KVMIO, 0x03)
	kvmCapARMRME      = 300
)

// Supported returns true if the host kernel exposes Realm support through KVM.
func Supported() (bool, error) {
	fd, err := unix.Open(kvmDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return false, fmt.Errorf("rmi: failed to open %s: %w", kvmDevice, err)
	}
	defer unix.Close(fd)

	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), kvmCheckExtension, kvmCapARMRME)
	if errno != 0 {
		return false, fmt.Errorf("rmi: KVM_CHECK_EXTENSION failed: %w", errno)
	}
	return r != 0, nil
}
