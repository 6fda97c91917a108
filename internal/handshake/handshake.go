// Package handshake implements the /ws upgrade handler: it authenticates a
// new client connection, parses its advertised allow-lists, rejects
// duplicate ClientIds, and installs a new Tunnel Session.
package handshake

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/svnoak/yats/fserrors"
	"github.com/svnoak/yats/internal/access"
	"github.com/svnoak/yats/internal/clientid"
	"github.com/svnoak/yats/internal/pending"
	"github.com/svnoak/yats/internal/registry"
	"github.com/svnoak/yats/internal/session"
	"github.com/svnoak/yats/observability"
	"github.com/svnoak/yats/realtime/ws"
)

// Handler serves the /ws upgrade endpoint.
type Handler struct {
	secretToken string
	registry    *registry.Registry
	pending     *pending.Table
	observer    observability.TunnelObserver
	logger      *log.Logger
	upgrader    ws.UpgraderOptions
}

// Config bundles the dependencies a Handler is built from.
type Config struct {
	SecretToken string
	Registry    *registry.Registry
	Pending     *pending.Table
	Observer    observability.TunnelObserver
	Logger      *log.Logger
	Upgrader    ws.UpgraderOptions
}

// New builds a Handler.
func New(cfg Config) *Handler {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	return &Handler{
		secretToken: cfg.SecretToken,
		registry:    cfg.Registry,
		pending:     cfg.Pending,
		observer:    obs,
		logger:      cfg.Logger,
		upgrader:    cfg.Upgrader,
	}
}

// ServeHTTP implements the GET /ws upgrade endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || token == "" {
		h.fail(w, http.StatusUnauthorized, observability.AttachReasonInvalidToken,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeUnauthenticated, nil),
			"missing bearer token")
		return
	}
	if !constantTimeEqual(token, h.secretToken) {
		h.fail(w, http.StatusForbidden, observability.AttachReasonInvalidToken,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeForbidden, nil),
			"invalid bearer token")
		return
	}

	query := r.URL.Query()
	id := clientid.Normalize(query.Get("client_id"))
	if err := clientid.Validate(id); err != nil {
		h.fail(w, http.StatusBadRequest, observability.AttachReasonMissingClientID,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeInvalidRequest, err),
			"missing or invalid client_id")
		return
	}

	if _, hasPaths := query["allowed_paths"]; !hasPaths {
		h.fail(w, http.StatusBadRequest, observability.AttachReasonInvalidQuery,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeInvalidRequest, nil),
			"missing allowed_paths")
		return
	}
	paths := access.ParsePaths(query.Get("allowed_paths"))

	ips, err := access.ParseIPs(query.Get("allowed_ips"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, observability.AttachReasonInvalidQuery,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeInvalidRequest, err),
			"invalid allowed_ips")
		return
	}

	asns, err := access.ParseASNs(query.Get("allowed_asns"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, observability.AttachReasonInvalidQuery,
			fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeInvalidRequest, err),
			"invalid allowed_asns")
		return
	}

	allowList := access.AllowList{Paths: paths, IPs: ips, ASNs: asns}

	sess := session.New(session.Config{
		ClientID:  id,
		AllowList: allowList,
		Pending:   h.pending,
		Registry:  h.registry,
		Observer:  h.observer,
		Logger:    h.logger,
	})

	if err := h.registry.TryInsert(sess); err != nil {
		h.fail(w, http.StatusConflict, observability.AttachReasonAlreadyConnected, err,
			"client already connected")
		return
	}

	conn, err := ws.Upgrade(w, r, h.upgrader)
	if err != nil {
		h.registry.Remove(id, sess)
		h.observer.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		if h.logger != nil {
			h.logger.Printf("handshake %s: upgrade failed: %v", id, err)
		}
		return
	}
	sess.SetConn(conn)

	h.observer.Attach(observability.AttachResultOK, observability.AttachReasonOK)
	h.observer.SessionCount(h.registry.Count())

	// r.Context() is cancelled as soon as ServeHTTP returns, so the session
	// must not inherit it.
	go func() {
		sess.Run(context.Background())
		h.observer.SessionCount(h.registry.Count())
	}()
}

// fail records the attach-failure observer event, logs the structured
// error (if a logger is configured), and writes the public HTTP response.
func (h *Handler) fail(w http.ResponseWriter, status int, reason observability.AttachReason, err error, publicMsg string) {
	h.observer.Attach(observability.AttachResultFail, reason)
	if h.logger != nil && err != nil {
		h.logger.Printf("handshake: %v", err)
	}
	http.Error(w, publicMsg, status)
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. ok is false if the header is missing or malformed.
func bearerToken(header string) (token string, ok bool) {
	const prefix = "Bearer "
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)), true
}

// constantTimeEqual compares two tokens without leaking timing information
// proportional to the position of the first mismatch.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
