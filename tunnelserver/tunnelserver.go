// Package tunnelserver wires the tunnel multiplexer's components —
// registry, pending-response table, ASN resolver, access control, and
// observability — into a single HTTP-mountable Server.
package tunnelserver

import (
	"errors"
	"log"
	"net/http"

	"github.com/svnoak/yats/internal/asndb"
	"github.com/svnoak/yats/internal/dispatcher"
	"github.com/svnoak/yats/internal/handshake"
	"github.com/svnoak/yats/internal/pending"
	"github.com/svnoak/yats/internal/registry"
	"github.com/svnoak/yats/observability"
	"github.com/svnoak/yats/realtime/ws"
)

// Config configures a Server. SecretToken is the only required field.
type Config struct {
	// SecretToken is the bearer token required on the /ws upgrade endpoint.
	SecretToken string
	// WSPath is the upgrade endpoint's mount path. Defaults to "/ws".
	WSPath string
	// ASNDBPath, if set, opens an ASN resolver backed by this MaxMind
	// .mmdb file at startup. If empty, ASN checks always fail lookups
	// (CodeASNLookupFailed), matching "no resolver configured".
	ASNDBPath string
	// Observer receives metric events. Defaults to a no-op observer.
	Observer observability.TunnelObserver
	// Logger receives diagnostic lines. Defaults to discarding them.
	Logger *log.Logger
	// Upgrader configures the websocket upgrader (buffer sizes, origin check).
	Upgrader ws.UpgraderOptions
}

// DefaultConfig returns a Config with every optional field at its default.
func DefaultConfig() Config {
	return Config{
		WSPath: "/ws",
	}
}

// Server is the tunnel multiplexer: the Client Registry, Pending-Response
// Table, ASN resolver, and the two public HTTP handlers (handshake and
// dispatcher) that operate on them.
type Server struct {
	cfg      Config
	registry *registry.Registry
	pending  *pending.Table
	resolver *asndb.Resolver
	observer *observability.AtomicTunnelObserver

	handshake  *handshake.Handler
	dispatcher *dispatcher.Dispatcher
}

// New validates cfg and builds a Server. It does not bind any listener.
func New(cfg Config) (*Server, error) {
	if cfg.SecretToken == "" {
		return nil, errors.New("tunnelserver: SecretToken is required")
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}

	obs := observability.NewAtomicTunnelObserver()
	if cfg.Observer != nil {
		obs.Set(cfg.Observer)
	}

	var resolver *asndb.Resolver
	if cfg.ASNDBPath != "" {
		r, err := asndb.Open(cfg.ASNDBPath)
		if err != nil {
			return nil, err
		}
		resolver = r
	} else {
		// A zero-value Resolver has no backing reader; every Lookup reports
		// ok=false, which the Evaluator already treats as "lookup failed".
		resolver = &asndb.Resolver{}
	}

	reg := registry.New()
	tbl := pending.New()

	hs := handshake.New(handshake.Config{
		SecretToken: cfg.SecretToken,
		Registry:    reg,
		Pending:     tbl,
		Observer:    obs,
		Logger:      cfg.Logger,
		Upgrader:    cfg.Upgrader,
	})
	disp := dispatcher.New(dispatcher.Config{
		Registry: reg,
		Pending:  tbl,
		Resolver: resolver,
		Observer: obs,
		Logger:   cfg.Logger,
	})

	return &Server{
		cfg:        cfg,
		registry:   reg,
		pending:    tbl,
		resolver:   resolver,
		observer:   obs,
		handshake:  hs,
		dispatcher: disp,
	}, nil
}

// Register mounts the handshake and dispatcher handlers on mux. The
// dispatcher is mounted at "/" and so receives every path that no more
// specific pattern on the same ServeMux matches, whatever the order of
// registration.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(s.cfg.WSPath, s.handshake)
	mux.Handle("/", s.dispatcher)
}

// ReloadASNDB hot-swaps the ASN resolver's backing database file. Safe to
// call concurrently with in-flight lookups.
func (s *Server) ReloadASNDB(path string) error {
	return s.resolver.Replace(path)
}

// SetObserver swaps the observability delegate at runtime (e.g. in
// response to a SIGUSR1/SIGUSR2 toggle).
func (s *Server) SetObserver(obs observability.TunnelObserver) {
	s.observer.Set(obs)
}

// Stats reports point-in-time counters for health/debug surfaces.
type Stats struct {
	Sessions int
	Pending  int
}

// Stats returns the current session and pending-request counts.
func (s *Server) Stats() Stats {
	return Stats{Sessions: s.registry.Count(), Pending: s.pending.Len()}
}

// Close tears down every live session by requesting a close frame on each.
// It does not wait for sessions to finish unwinding; callers that need a
// bounded grace period should poll Stats().Sessions.
func (s *Server) Close() {
	s.registry.CloseAll()
}
