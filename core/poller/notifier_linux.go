//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func openWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func wake(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated and the owner is already awake.
	_, _ = unix.Write(fd, buf[:])
}

func consume(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func closeWakeFd(fd int) error {
	return unix.Close(fd)
}
