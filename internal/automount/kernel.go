package automount

import (
	"errors"
	"io"
)

// ErrNoMoreTokens is returned by Kernel.Expire once no more expirable
// mounts remain under the given mount point — the kernel's EAGAIN on the
// EXPIRE ioctl loop.
var ErrNoMoreTokens = errors.New("automount: no more tokens to expire")

// Kernel abstracts the /dev/autofs ioctl surface behind a struct of
// function hooks so the state machine in this package is exercised
// against a fake in tests without a live autofs mount. A real
// implementation (not included — it requires an actual Linux autofs mount
// namespace to exist for a test to observe) would shell out to
// golang.org/x/sys/unix's Ioctl wrappers using the numbers documented in
// the kernel's autofs_dev_ioctl.h.
type Kernel struct {
	// OpenAutofs opens /dev/autofs and returns a duplicable fd.
	OpenAutofs func() (fd int, err error)
	// Mount performs the host mount(2) call with an options string
	// carrying the pipe's kernel-facing end, the process group, and the
	// protocol bounds (min=5, max=5, direct).
	Mount func(mountPoint string, kernelPipeFD, pgrp int) error
	// OpenIoctl opens an ioctl fd on the freshly mounted mount point and
	// returns the device id the kernel assigned it.
	OpenIoctl func(mountPoint string) (ioctlFD int, devID uint64, err error)
	// NegotiateProtocol queries and confirms the v5 protocol.
	NegotiateProtocol func(ioctlFD int) (major, minor int, err error)
	// SetTimeout sets the idle timeout, rounded up to whole seconds by
	// the caller before this is invoked.
	SetTimeout func(ioctlFD int, seconds uint32) error
	// Ready replies READY for token. status must be <= 0 by the caller's
	// own assertion before this is ever invoked — see automount.reply.
	Ready func(ioctlFD int, token uint32) error
	// Fail replies FAIL for token with a negative errno.
	Fail func(ioctlFD int, token uint32, errno int) error
	// Expire issues one EXPIRE ioctl and returns the token the kernel
	// chose to expire, or ErrNoMoreTokens.
	Expire func(ioctlFD int) (token uint32, err error)
	// Close closes a duplicated fd.
	Close func(fd int) error
	// Unmount force-detaches the mount point; called in a loop until it
	// returns a sentinel "already gone" error — the kernel reports EINVAL
	// once the mount point is fully detached.
	Unmount func(mountPoint string) error
	// Dup duplicates fd for a worker's private use.
	Dup func(fd int) (int, error)
	// Pipe returns the two ends of an OS pipe: the user-side end (read
	// by the main loop's event source) and the kernel-side end (handed
	// to Mount).
	Pipe func() (userSide io.ReadCloser, kernelSide int, err error)
}
