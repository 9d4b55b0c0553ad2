package net

import (
	"fmt"
	"net"
)

// EphemeralAddr returns a loopback "host:port" address whose port was free when it was checked.
func EphemeralAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
