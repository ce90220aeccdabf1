//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package tunnel

import "net"

func listenConfig() net.ListenConfig { return net.ListenConfig{} }
