// Package netutil has small networking helpers for the control panel.
package netutil

import "net"

// Loopback is returned by LocalIP when no route is available.
const Loopback = "127.0.0.1"

// LocalIP returns the IPv4 address of the interface that would carry
// traffic to the internet. No packet is sent: connecting a UDP socket only
// selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return Loopback
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return Loopback
	}
	return addr.IP.String()
}
