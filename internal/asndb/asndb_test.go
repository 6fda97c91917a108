package asndb

import (
	"net"
	"testing"

	"github.com/svnoak/yats/internal/access"
)

func TestResolverSatisfiesAccessASNResolver(t *testing.T) {
	var _ access.ASNResolver = (*Resolver)(nil)
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open("/nonexistent/path/to.mmdb"); err == nil {
		t.Fatal("expected error opening a nonexistent database file")
	}
}

func TestLookupOnEmptyResolver(t *testing.T) {
	var r Resolver
	if _, ok := r.Lookup(net.ParseIP("8.8.8.8")); ok {
		t.Fatal("expected lookup on unopened resolver to report not found")
	}
}

func TestReplaceMissingFileLeavesPreviousReaderIntact(t *testing.T) {
	var r Resolver
	err := r.Replace("/nonexistent/path/to.mmdb")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := r.Lookup(net.ParseIP("8.8.8.8")); ok {
		t.Fatal("expected no reader installed after failed replace")
	}
}
