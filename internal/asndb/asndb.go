// Package asndb implements the ASN Resolver Interface against a MaxMind
// GeoLite2-ASN database, with an atomically hot-swappable backing reader.
//
// Downloading, verifying, and unpacking the database is an external
// collaborator's job; this package only loads an already-materialized
// .mmdb file from disk and serves concurrent lookups against it.
package asndb

import (
	"net"
	"sync/atomic"

	"github.com/oschwald/maxminddb-golang"
)

type asnRecord struct {
	AutonomousSystemNumber uint32 `maxminddb:"autonomous_system_number"`
}

// Resolver looks up the autonomous system number for an IP address against
// a MaxMind GeoLite2-ASN database. The backing reader can be replaced at
// runtime; in-flight lookups always observe a complete snapshot, never a
// partially-swapped one.
type Resolver struct {
	reader atomic.Pointer[maxminddb.Reader]
}

// Open loads the .mmdb file at path and returns a Resolver ready for
// concurrent lookups.
func Open(path string) (*Resolver, error) {
	r := &Resolver{}
	if err := r.Replace(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the backing database for the one at path. It
// loads and validates the new file fully before publishing it, so a
// corrupt replacement never takes effect, and concurrent Lookup calls are
// never exposed to a partially-loaded reader.
func (r *Resolver) Replace(path string) error {
	next, err := maxminddb.Open(path)
	if err != nil {
		return err
	}
	prev := r.reader.Swap(next)
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Close releases the currently-loaded database.
func (r *Resolver) Close() error {
	if reader := r.reader.Load(); reader != nil {
		return reader.Close()
	}
	return nil
}

// Lookup maps ip to its autonomous system number. ok is false both when
// the address is absent from the database and when the lookup otherwise
// fails; the Access-Control Evaluator treats these identically.
func (r *Resolver) Lookup(ip net.IP) (asn uint32, ok bool) {
	reader := r.reader.Load()
	if reader == nil {
		return 0, false
	}
	var rec asnRecord
	if err := reader.Lookup(ip, &rec); err != nil || rec.AutonomousSystemNumber == 0 {
		return 0, false
	}
	return rec.AutonomousSystemNumber, true
}
