// Package network holds socket helpers shared by the crss listeners.
package network

import (
	"context"
	"net"
	"syscall"
)

// Listen opens a TCP listener on addr with SO_REUSEADDR set, so a restarted
// process can rebind a port still in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = setReuseAddr(fd)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
