package audit

import (
	"net/netip"
)

// Prefix lengths kept by AnonymizeIP.
const (
	ipv4KeepBits = 24
	ipv6KeepBits = 48
)

// AnonymizeIP truncates an IP address before it enters the chain.
// For IPv4 the last octet is zeroed (192.168.1.100 → 192.168.1.0); for IPv6
// everything after the first 48 bits is zeroed. IPv4-mapped IPv6 addresses
// are treated as IPv4. Returns an empty string for invalid input.
//
// Entries are immutable, so anonymization can only happen at write time.
func AnonymizeIP(ipStr string) string {
	if ipStr == "" {
		return ""
	}

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	addr = addr.Unmap().WithZone("")

	bits := ipv6KeepBits
	if addr.Is4() {
		bits = ipv4KeepBits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.Addr().String()
}
