//go:build !linux && !darwin

package sipua

import "net"

// setDSCP на остальных платформах не поддерживается
func setDSCP(_ *net.UDPConn, _ int) error {
	return nil
}
