package callback

import (
	"net"
	"time"
)

// privateProbeTargets mirrors common router addresses across home LANs; a
// UDP "connect" to one of them never sends a packet but forces the kernel to
// pick the outbound interface/address for that route, which is exactly the
// non-loopback address speakers need to reach back to us.
var privateProbeTargets = []string{
	"192.168.1.1:80",
	"192.168.0.1:80",
	"10.0.0.1:80",
}

// localIPv4 returns a best-effort non-loopback IPv4 address for this host,
// or "" if none can be determined. It tries a UDP connect to a handful of
// common private gateway addresses first (cheap, no real packet sent), then
// falls back to a short-timeout TCP dial to a public address.
func localIPv4() string {
	for _, target := range privateProbeTargets {
		if ip := udpLocalAddr(target); ip != "" {
			return ip
		}
	}
	return tcpLocalAddr("8.8.8.8:80", time.Second)
}

func udpLocalAddr(target string) string {
	conn, err := net.Dial("udp4", target)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsLoopback() {
		return ""
	}
	return addr.IP.String()
}

func tcpLocalAddr(target string, timeout time.Duration) string {
	conn, err := net.DialTimeout("tcp4", target, timeout)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || addr.IP.IsLoopback() {
		return ""
	}
	return addr.IP.String()
}
