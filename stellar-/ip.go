package stellar

import (
	"net"
)

// Network returns proto ("tcp" or "udp") with suffix 4 or 6, depending on the ip.
// This network can be passed to net.Listen instead of plain "tcp", which may
// start listening on both ipv4 and ipv6 for addresses 0.0.0.0 and ::, which can
// lead to errors about the port already being in use.
// For invalid IPs, proto is returned.
func Network(proto, ip string) string {
	v := net.ParseIP(ip)
	if v == nil {
		return proto
	}
	if v.To4() != nil {
		return proto + "4"
	}
	return proto + "6"
}
