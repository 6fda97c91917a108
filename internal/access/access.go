// Package access implements the three pure access-control predicates a
// public request must pass before it is forwarded to a client: IP/CIDR,
// path, and ASN, evaluated in that fixed order.
package access

import (
	"net"

	"github.com/svnoak/yats/fserrors"
)

// AllowList holds one client's admission rules, captured once at handshake
// time and never mutated while the session is live.
type AllowList struct {
	// Paths is the exact-match set of forward paths this client accepts.
	// An empty set denies every path (misconfiguration, not "no filter").
	Paths map[string]struct{}
	// IPs is the set of CIDR blocks admitted. An empty set admits every IP.
	IPs []*net.IPNet
	// ASNs is the set of admitted autonomous system numbers. An empty set
	// admits every ASN.
	ASNs map[uint32]struct{}
}

// ASNResolver maps a remote IP to its autonomous system number. "Not found"
// is reported via ok=false; the caller treats a lookup failure identically.
type ASNResolver interface {
	Lookup(ip net.IP) (asn uint32, ok bool)
}

// CheckIP reports whether ip is admitted by the client's IP allow-list.
func CheckIP(list AllowList, ip net.IP) error {
	if len(list.IPs) == 0 {
		return nil
	}
	for _, n := range list.IPs {
		if n.Contains(ip) {
			return nil
		}
	}
	return fserrors.Wrap(fserrors.StageAccess, fserrors.CodeIPNotAllowed, nil)
}

// CheckPath reports whether forwardPath is admitted by the client's path
// allow-list. An empty allow-list denies every path.
func CheckPath(list AllowList, forwardPath string) error {
	if len(list.Paths) == 0 {
		return fserrors.Wrap(fserrors.StageAccess, fserrors.CodePathNotAllowed, nil)
	}
	if _, ok := list.Paths[forwardPath]; ok {
		return nil
	}
	return fserrors.Wrap(fserrors.StageAccess, fserrors.CodePathNotAllowed, nil)
}

// CheckASN reports whether ip's resolved ASN is admitted. Loopback
// addresses bypass the ASN check entirely, regardless of the allow-list.
// A resolver miss or failure is surfaced as CodeASNLookupFailed, mapped by
// the caller to 404, per spec: the Evaluator does not distinguish "ASN not
// in the database" from "resolver error".
func CheckASN(list AllowList, ip net.IP, resolver ASNResolver) error {
	if len(list.ASNs) == 0 {
		return nil
	}
	if ip.IsLoopback() {
		return nil
	}
	if resolver == nil {
		return fserrors.Wrap(fserrors.StageAccess, fserrors.CodeASNLookupFailed, nil)
	}
	asn, ok := resolver.Lookup(ip)
	if !ok {
		return fserrors.Wrap(fserrors.StageAccess, fserrors.CodeASNLookupFailed, nil)
	}
	if _, ok := list.ASNs[asn]; ok {
		return nil
	}
	return fserrors.Wrap(fserrors.StageAccess, fserrors.CodeASNNotAllowed, nil)
}

// Evaluate runs the three predicates in the mandated fixed order —
// IP, then path, then ASN — short-circuiting on the first failure.
func Evaluate(list AllowList, ip net.IP, forwardPath string, resolver ASNResolver) error {
	if err := CheckIP(list, ip); err != nil {
		return err
	}
	if err := CheckPath(list, forwardPath); err != nil {
		return err
	}
	return CheckASN(list, ip, resolver)
}
