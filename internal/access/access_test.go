package access

import (
	"errors"
	"net"
	"testing"

	"github.com/svnoak/yats/fserrors"
)

type fakeResolver map[string]uint32

func (f fakeResolver) Lookup(ip net.IP) (uint32, bool) {
	asn, ok := f[ip.String()]
	return asn, ok
}

func code(err error) fserrors.Code {
	var fe *fserrors.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func TestCheckPathEmptyDenies(t *testing.T) {
	list := AllowList{Paths: map[string]struct{}{}}
	if err := CheckPath(list, "/api"); code(err) != fserrors.CodePathNotAllowed {
		t.Fatalf("expected path_not_allowed, got %v", err)
	}
}

func TestCheckPathRootIsValidMember(t *testing.T) {
	list := AllowList{Paths: ParsePaths("," + "/api")}
	if err := CheckPath(list, ""); err != nil {
		t.Fatalf("expected root path admitted, got %v", err)
	}
}

func TestCheckIPEmptyAllowsAll(t *testing.T) {
	list := AllowList{}
	if err := CheckIP(list, net.ParseIP("8.8.8.8")); err != nil {
		t.Fatalf("expected empty allow-list to admit all IPs, got %v", err)
	}
}

func TestCheckIPZeroRouteAdmitsAll(t *testing.T) {
	ips, err := ParseIPs("0.0.0.0/0")
	if err != nil {
		t.Fatal(err)
	}
	list := AllowList{IPs: ips}
	if err := CheckIP(list, net.ParseIP("203.0.113.7")); err != nil {
		t.Fatalf("expected 0.0.0.0/0 to admit all, got %v", err)
	}
}

func TestCheckIPDenied(t *testing.T) {
	ips, err := ParseIPs("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	list := AllowList{IPs: ips}
	if err := CheckIP(list, net.ParseIP("192.168.0.1")); code(err) != fserrors.CodeIPNotAllowed {
		t.Fatalf("expected ip_not_allowed, got %v", err)
	}
}

func TestCheckASNLoopbackBypasses(t *testing.T) {
	asns, _ := ParseASNs("15169")
	list := AllowList{ASNs: asns}
	if err := CheckASN(list, net.ParseIP("127.0.0.1"), fakeResolver{}); err != nil {
		t.Fatalf("expected loopback to bypass ASN check, got %v", err)
	}
}

func TestCheckASNAdmitted(t *testing.T) {
	asns, _ := ParseASNs("15169")
	list := AllowList{ASNs: asns}
	resolver := fakeResolver{"8.8.8.8": 15169}
	if err := CheckASN(list, net.ParseIP("8.8.8.8"), resolver); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestCheckASNDeniedKnownButNotAllowed(t *testing.T) {
	asns, _ := ParseASNs("15169")
	list := AllowList{ASNs: asns}
	resolver := fakeResolver{"1.1.1.1": 20940}
	if err := CheckASN(list, net.ParseIP("1.1.1.1"), resolver); code(err) != fserrors.CodeASNNotAllowed {
		t.Fatalf("expected asn_not_allowed, got %v", err)
	}
}

func TestCheckASNLookupFailed(t *testing.T) {
	asns, _ := ParseASNs("15169")
	list := AllowList{ASNs: asns}
	resolver := fakeResolver{}
	if err := CheckASN(list, net.ParseIP("9.9.9.9"), resolver); code(err) != fserrors.CodeASNLookupFailed {
		t.Fatalf("expected asn_lookup_failed, got %v", err)
	}
}

func TestEvaluateOrderIPBeforePath(t *testing.T) {
	ips, _ := ParseIPs("10.0.0.0/8")
	list := AllowList{IPs: ips, Paths: map[string]struct{}{}}
	err := Evaluate(list, net.ParseIP("192.168.0.1"), "/api", nil)
	if code(err) != fserrors.CodeIPNotAllowed {
		t.Fatalf("expected IP check to short-circuit before path check, got %v", err)
	}
}

func TestParseIPsBareAddressBecomesHostRoute(t *testing.T) {
	ips, err := ParseIPs("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || !ips[0].Contains(net.ParseIP("203.0.113.5")) {
		t.Fatalf("expected host route to contain exact IP, got %v", ips)
	}
	if ips[0].Contains(net.ParseIP("203.0.113.6")) {
		t.Fatalf("host route should not contain a different IP")
	}
}

func TestParseASNsInvalid(t *testing.T) {
	if _, err := ParseASNs("abc"); err == nil {
		t.Fatal("expected error for non-numeric ASN")
	}
}

func TestParseIPsInvalid(t *testing.T) {
	if _, err := ParseIPs("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}
