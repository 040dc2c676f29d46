// Package netutil holds small networking helpers shared across the runtime.
package netutil

import (
	"net"
	"os"
	"os/user"

	"github.com/google/uuid"
)

// LocalIP returns the primary non-loopback IPv4 address of this machine.
// It opens a UDP socket towards an arbitrary address; the datagram is never
// sent, but the kernel picks the outbound interface, which is the address
// other devices can reach us on. Falls back to 127.0.0.1.
func LocalIP() string {
	conn, err := net.Dial("udp", "10.254.254.254:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// ClientID returns an identifier for this process as a bus client. The
// username and hostname make it readable in reservation keys; the UUID
// suffix keeps concurrent processes on the same machine distinct.
func ClientID() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return name + "_" + host + "_" + uuid.NewString()[:8]
}
