//go:build linux || darwin

package sipua

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP выставляет DSCP маркировку RTP сокета (старшие 6 бит TOS)
func setDSCP(conn *net.UDPConn, dscp int) error {
	if dscp == 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	tos := dscp << 2
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}
