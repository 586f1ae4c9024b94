//go:build linux

package transport

import "golang.org/x/sys/unix"

// pollRDHUP is POLLRDHUP on Linux, which detects when the remote end closes.
const pollRDHUP = unix.POLLRDHUP
