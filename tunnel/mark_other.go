//go:build !linux

package tunnel

import (
	"net"

	"github.com/ghaccel/ghaccel/log"
)

func markedDialer(mark int) *net.Dialer {
	if mark != 0 {
		log.Warnf("tunnel: socket marks are only supported on linux, ignoring mark %d", mark)
	}
	return &net.Dialer{}
}
