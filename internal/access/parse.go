package access

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParsePaths builds a path allow-list from a comma-separated list of exact
// forward paths. An entry of "" is preserved as a valid member meaning
// "root" — callers must not confuse an empty string entry with an empty
// list (which denies everything).
func ParsePaths(csv string) map[string]struct{} {
	out := map[string]struct{}{}
	if csv == "" {
		return out
	}
	for _, p := range strings.Split(csv, ",") {
		out[strings.TrimSpace(p)] = struct{}{}
	}
	return out
}

// ParseIPs parses a comma-separated list of CIDR blocks. A bare IP address
// (no "/bits") is accepted as a /32 or /128 block.
func ParseIPs(csv string) ([]*net.IPNet, error) {
	if csv == "" {
		return nil, nil
	}
	var out []*net.IPNet
	for _, raw := range strings.Split(csv, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP or CIDR %q", s)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			s = fmt.Sprintf("%s/%d", s, bits)
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseASNs parses a comma-separated list of decimal autonomous system
// numbers.
func ParseASNs(csv string) (map[uint32]struct{}, error) {
	out := map[uint32]struct{}{}
	if csv == "" {
		return out, nil
	}
	for _, raw := range strings.Split(csv, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid ASN %q: %w", s, err)
		}
		out[uint32(n)] = struct{}{}
	}
	return out, nil
}
